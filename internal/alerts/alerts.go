package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/usageguard/governor/internal/config"
	"github.com/usageguard/governor/pkg/cache"
	"github.com/usageguard/governor/pkg/events"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the structured payload pushed to notification channels.
type Alert struct {
	Severity  Severity
	Scope     string
	Metric    string
	Observed  float64
	Limit     float64
	Baseline  float64
	Message   string
	Timestamp time.Time
}

// Result reports what became of one dispatch attempt. Dispatch is
// best-effort: callers inspect the result in tests and logs, never to
// gate the evaluation pipeline.
type Result struct {
	Sent    bool
	Deduped bool
	Channel string
	Err     error
}

// Channel is one alert delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Service delivers governance alerts. The primary channel gets one
// attempt; on failure the fallback channel gets exactly one more, then
// the alert is dropped with a log line. Repeated alerts for the same
// sustained condition are suppressed through a Redis dedup key so a
// sweep re-observing the same breach every minute does not page anyone
// sixty times an hour.
type Service struct {
	cache    *cache.Cache
	logger   *zap.Logger
	primary  Channel
	fallback Channel

	deliveryTimeout time.Duration
	shortWindow     time.Duration
	longWindow      time.Duration
}

// NewService creates the alert service from configuration. Either
// channel may be absent; with no channels every dispatch is a logged
// no-op.
func NewService(c *cache.Cache, logger *zap.Logger, alertsCfg config.AlertsConfig, govCfg config.GovernanceConfig) *Service {
	s := &Service{
		cache:           c,
		logger:          logger,
		deliveryTimeout: alertsCfg.DeliveryTimeout,
		shortWindow:     govCfg.TripDedupWindow,
		longWindow:      govCfg.MonthlyDedupWindow,
	}

	if alertsCfg.SlackEnabled {
		s.primary = NewSlackChannel(alertsCfg.SlackWebhookURL, alertsCfg.SlackChannel, logger)
		logger.Info("slack alerts enabled")
	}
	if alertsCfg.WebhookEnabled {
		webhook := NewWebhookChannel(alertsCfg.WebhookURL, alertsCfg.WebhookSecret, logger)
		if s.primary == nil {
			s.primary = webhook
		} else {
			s.fallback = webhook
		}
		logger.Info("webhook alerts enabled")
	}
	if s.primary == nil {
		logger.Info("no alert channels configured, alerts will be dropped")
	}

	return s
}

// NewServiceWithChannels wires explicit channels, used in tests.
func NewServiceWithChannels(c *cache.Cache, logger *zap.Logger, primary, fallback Channel, deliveryTimeout, shortWindow, longWindow time.Duration) *Service {
	return &Service{
		cache:           c,
		logger:          logger,
		primary:         primary,
		fallback:        fallback,
		deliveryTimeout: deliveryTimeout,
		shortWindow:     shortWindow,
		longWindow:      longWindow,
	}
}

// Subscribe registers the service on the governance event bus.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.EventBreakerTripped, s.handleBreakerTripped)
	bus.Subscribe(events.EventBreakerWarning, s.handleBreakerWarning)
	bus.Subscribe(events.EventBreakerReset, s.handleBreakerReset)
	bus.Subscribe(events.EventBudgetViolation, s.handleBudgetViolation)
	bus.Subscribe(events.EventBudgetWarning, s.handleBudgetWarning)
	bus.Subscribe(events.EventAnomalyDetected, s.handleAnomaly)
}

// Dispatch sends one alert, deduplicated by key within the window. The
// returned Result is the full story; the error inside it is never
// returned upward.
func (s *Service) Dispatch(ctx context.Context, alert Alert, dedupKey string, window time.Duration) Result {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	if dedupKey != "" && window > 0 {
		fresh, err := s.cache.SetNX(ctx, "alert:dedup:"+dedupKey, "1", window)
		if err != nil {
			// Dedup store down: deliver anyway. A duplicate page beats a
			// silent incident.
			s.logger.Warn("alert dedup check failed, sending anyway",
				zap.String("dedup_key", dedupKey),
				zap.Error(err),
			)
		} else if !fresh {
			metrics.AlertDeliveries.WithLabelValues("none", "deduped").Inc()
			return Result{Deduped: true}
		}
	}

	if s.primary == nil {
		s.logger.Debug("alert dropped, no channels configured",
			zap.String("scope", alert.Scope),
			zap.String("metric", alert.Metric),
		)
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()

	if err := s.primary.Send(ctx, alert); err != nil {
		dispatchErr := &models.AlertDispatchError{Channel: s.primary.Name(), Err: err}
		metrics.AlertDeliveries.WithLabelValues(s.primary.Name(), "failed").Inc()

		if s.fallback == nil {
			s.logger.Error("alert dispatch failed, no fallback",
				zap.String("scope", alert.Scope),
				zap.String("metric", alert.Metric),
				zap.Error(dispatchErr),
			)
			return Result{Err: dispatchErr}
		}

		// Exactly one fallback attempt, then the alert is dropped.
		if ferr := s.fallback.Send(ctx, alert); ferr != nil {
			metrics.AlertDeliveries.WithLabelValues(s.fallback.Name(), "failed").Inc()
			s.logger.Error("alert dispatch failed on both channels",
				zap.String("scope", alert.Scope),
				zap.String("metric", alert.Metric),
				zap.NamedError("primary_error", err),
				zap.NamedError("fallback_error", ferr),
			)
			return Result{Err: &models.AlertDispatchError{Channel: s.fallback.Name(), Err: ferr}}
		}

		metrics.AlertDeliveries.WithLabelValues(s.fallback.Name(), "sent").Inc()
		return Result{Sent: true, Channel: s.fallback.Name(), Err: dispatchErr}
	}

	metrics.AlertDeliveries.WithLabelValues(s.primary.Name(), "sent").Inc()
	return Result{Sent: true, Channel: s.primary.Name()}
}

func (s *Service) handleBreakerTripped(ctx context.Context, event events.Event) error {
	metric := stringField(event.Payload, "metric")
	s.Dispatch(ctx, Alert{
		Severity:  SeverityCritical,
		Scope:     event.Scope,
		Metric:    metric,
		Observed:  floatField(event.Payload, "observed"),
		Limit:     floatField(event.Payload, "limit"),
		Message:   fmt.Sprintf("circuit breaker opened for `%s` on `%s`: %s", metric, event.Scope, stringField(event.Payload, "reason")),
		Timestamp: event.Timestamp,
	}, dedupKey(event.Scope, metric, "tripped"), s.shortWindow)
	return nil
}

func (s *Service) handleBreakerWarning(ctx context.Context, event events.Event) error {
	metric := stringField(event.Payload, "metric")
	s.Dispatch(ctx, Alert{
		Severity:  SeverityWarning,
		Scope:     event.Scope,
		Metric:    metric,
		Message:   fmt.Sprintf("circuit breaker warning for `%s` on `%s`: %s", metric, event.Scope, stringField(event.Payload, "reason")),
		Timestamp: event.Timestamp,
	}, dedupKey(event.Scope, metric, "warning"), s.shortWindow)
	return nil
}

func (s *Service) handleBreakerReset(ctx context.Context, event events.Event) error {
	metric := stringField(event.Payload, "metric")
	s.Dispatch(ctx, Alert{
		Severity:  SeverityInfo,
		Scope:     event.Scope,
		Metric:    metric,
		Message:   fmt.Sprintf("circuit breaker closed for `%s` on `%s`: %s", metric, event.Scope, stringField(event.Payload, "reason")),
		Timestamp: event.Timestamp,
	}, dedupKey(event.Scope, metric, "reset"), s.shortWindow)
	return nil
}

func (s *Service) handleBudgetViolation(ctx context.Context, event events.Event) error {
	metric := stringField(event.Payload, "metric")
	s.Dispatch(ctx, Alert{
		Severity:  SeverityCritical,
		Scope:     event.Scope,
		Metric:    metric,
		Observed:  floatField(event.Payload, "observed"),
		Limit:     floatField(event.Payload, "limit"),
		Message:   fmt.Sprintf("budget violated for `%s` on `%s`", metric, event.Scope),
		Timestamp: event.Timestamp,
	}, dedupKey(event.Scope, metric, "violation"), s.windowFor(event))
	return nil
}

func (s *Service) handleBudgetWarning(ctx context.Context, event events.Event) error {
	metric := stringField(event.Payload, "metric")
	bucket := stringField(event.Payload, "bucket")
	s.Dispatch(ctx, Alert{
		Severity:  SeverityWarning,
		Scope:     event.Scope,
		Metric:    metric,
		Observed:  floatField(event.Payload, "observed"),
		Limit:     floatField(event.Payload, "limit"),
		Message:   fmt.Sprintf("usage of `%s` on `%s` crossed the %s budget threshold", metric, event.Scope, bucket),
		Timestamp: event.Timestamp,
	}, dedupKey(event.Scope, metric, "warn-"+bucket), s.windowFor(event))
	return nil
}

func (s *Service) handleAnomaly(ctx context.Context, event events.Event) error {
	metric := stringField(event.Payload, "metric")
	s.Dispatch(ctx, Alert{
		Severity:  SeverityWarning,
		Scope:     event.Scope,
		Metric:    metric,
		Observed:  floatField(event.Payload, "observed"),
		Baseline:  floatField(event.Payload, "baseline_mean"),
		Message:   fmt.Sprintf("anomalous usage of `%s` on `%s`: %.1f standard deviations above baseline", metric, event.Scope, floatField(event.Payload, "deviation_factor")),
		Timestamp: event.Timestamp,
	}, dedupKey(event.Scope, metric, "anomaly"), s.shortWindow)
	return nil
}

// windowFor picks the dedup window: monthly-pass findings recur for the
// rest of the month, so they get the long window.
func (s *Service) windowFor(event events.Event) time.Duration {
	if stringField(event.Payload, "window") == string(models.WindowMonthly) {
		return s.longWindow
	}
	return s.shortWindow
}

func dedupKey(scope, metric, kind string) string {
	return fmt.Sprintf("%s:%s:%s", scope, metric, kind)
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func floatField(payload map[string]interface{}, key string) float64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
