package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usageguard/governor/pkg/events"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// Bucket is a warning threshold as a fraction of the budget limit.
type Bucket string

const (
	Bucket70 Bucket = "70%"
	Bucket90 Bucket = "90%"
)

// Violation is one metric observed above its budget limit.
type Violation struct {
	Metric   string
	Observed float64
	Limit    float64
	Window   models.WindowKind
}

// Warning is one metric inside a warning bucket of its budget limit.
type Warning struct {
	Metric   string
	Observed float64
	Limit    float64
	Bucket   Bucket
	Window   models.WindowKind
}

// Outcome is the result of classifying one sample or one monthly pass
// against a scope's budgets.
type Outcome struct {
	Violations []Violation
	Warnings   []Warning
	Rejected   []string
}

// UsageCounter increments and reads the rolling usage counters.
type UsageCounter interface {
	Increment(ctx context.Context, scope models.TenantScope, metric string, delta float64) (float64, error)
}

// SampleRecorder appends raw samples for exact rollups.
type SampleRecorder interface {
	Record(ctx context.Context, sample models.MetricSample) error
}

// BudgetSource resolves budgets for a scope.
type BudgetSource interface {
	ListForScope(ctx context.Context, scope string) ([]models.Budget, error)
}

// BreakerTripper forces a breaker OPEN on a direct budget breach.
type BreakerTripper interface {
	Trip(ctx context.Context, scope, metric, reason string) (bool, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, event models.AuditEvent) error
}

// Orchestrator is the ingestion fast path: it validates samples, feeds
// accounting, and classifies the new totals against the scope's budgets.
// A violation trips the feature breaker immediately, without waiting for
// the next ratio sweep.
type Orchestrator struct {
	counters UsageCounter
	samples  SampleRecorder
	budgets  BudgetSource
	breaker  BreakerTripper
	audit    AuditRecorder
	bus      *events.Bus
	logger   *zap.Logger
}

func NewOrchestrator(counters UsageCounter, samples SampleRecorder, budgets BudgetSource, breaker BreakerTripper, audit AuditRecorder, bus *events.Bus, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		counters: counters,
		samples:  samples,
		budgets:  budgets,
		breaker:  breaker,
		audit:    audit,
		bus:      bus,
		logger:   logger,
	}
}

// Ingest processes one sample end to end. Malformed metrics are rejected
// individually; the rest of the sample still counts. The returned
// Outcome reflects the classification of the post-increment totals.
func (o *Orchestrator) Ingest(ctx context.Context, sample models.MetricSample) (Outcome, error) {
	var outcome Outcome

	totals := make(map[string]float64, len(sample.Metrics))
	accepted := make(map[string]float64, len(sample.Metrics))

	for metric, value := range sample.Metrics {
		if !models.ValidMetricName(metric) {
			outcome.Rejected = append(outcome.Rejected, metric)
			metrics.MetricsRejected.WithLabelValues("invalid_name").Inc()
			o.logger.Warn("rejected malformed metric name",
				zap.String("scope", sample.Scope.String()),
				zap.String("metric", metric),
			)
			continue
		}
		if value < 0 {
			outcome.Rejected = append(outcome.Rejected, metric)
			metrics.MetricsRejected.WithLabelValues("negative_value").Inc()
			continue
		}

		total, err := o.counters.Increment(ctx, sample.Scope, metric, value)
		if err != nil {
			// Counter store down: the sample row below still feeds exact
			// rollups, and classification falls back to the sample value.
			o.logger.Error("counter increment failed",
				zap.String("scope", sample.Scope.String()),
				zap.String("metric", metric),
				zap.Error(err),
			)
			total = value
		}
		accepted[metric] = value
		totals[metric] = total
	}

	if len(accepted) == 0 {
		return outcome, nil
	}

	recorded := models.MetricSample{Scope: sample.Scope, Metrics: accepted, Timestamp: sample.Timestamp}
	if err := o.samples.Record(ctx, recorded); err != nil {
		o.logger.Error("failed to persist raw sample",
			zap.String("scope", sample.Scope.String()),
			zap.Error(err),
		)
	}

	metrics.SamplesIngested.WithLabelValues(sample.Scope.Project).Inc()

	classified, err := o.evaluate(ctx, sample.Scope, totals, models.WindowDaily)
	if err != nil {
		return outcome, err
	}
	outcome.Violations = classified.Violations
	outcome.Warnings = classified.Warnings
	return outcome, nil
}

// evaluate classifies running totals against the scope's budgets for one
// window kind, then acts on the findings: trips, audits and events.
func (o *Orchestrator) evaluate(ctx context.Context, scope models.TenantScope, totals map[string]float64, window models.WindowKind) (Outcome, error) {
	var outcome Outcome

	budgets, err := o.budgets.ListForScope(ctx, scope.String())
	if err != nil {
		if errors.Is(err, models.ErrConfigurationMissing) {
			return outcome, nil
		}
		// Unreadable configuration degrades to "nothing enforced" for
		// this sample; the periodic sweep will catch up.
		o.logger.Error("budget lookup failed, skipping enforcement",
			zap.String("scope", scope.String()),
			zap.Error(err),
		)
		return outcome, nil
	}

	for _, budget := range budgets {
		if budget.Window != window {
			continue
		}
		observed, ok := totals[budget.Metric]
		if !ok {
			continue
		}
		outcome.merge(Classify(budget, observed))
	}

	o.act(ctx, scope, outcome, window)
	return outcome, nil
}

// Classify compares one observation against one budget. Pure; both the
// fast path and the monthly pass run their findings through it.
func Classify(budget models.Budget, observed float64) Outcome {
	var outcome Outcome

	limit := budget.SoftLimit
	if limit <= 0 {
		return outcome
	}

	if observed > limit {
		outcome.Violations = append(outcome.Violations, Violation{
			Metric:   budget.Metric,
			Observed: observed,
			Limit:    limit,
			Window:   budget.Window,
		})
		return outcome
	}

	ratio := observed / limit
	if ratio >= 0.9 {
		outcome.Warnings = append(outcome.Warnings, Warning{
			Metric: budget.Metric, Observed: observed, Limit: limit, Bucket: Bucket90, Window: budget.Window,
		})
	} else if ratio >= 0.7 {
		outcome.Warnings = append(outcome.Warnings, Warning{
			Metric: budget.Metric, Observed: observed, Limit: limit, Bucket: Bucket70, Window: budget.Window,
		})
	}
	return outcome
}

func (o *Outcome) merge(other Outcome) {
	o.Violations = append(o.Violations, other.Violations...)
	o.Warnings = append(o.Warnings, other.Warnings...)
	o.Rejected = append(o.Rejected, other.Rejected...)
}

func (o *Orchestrator) act(ctx context.Context, scope models.TenantScope, outcome Outcome, window models.WindowKind) {
	scopeKey := scope.String()

	for _, v := range outcome.Violations {
		metrics.BudgetViolations.WithLabelValues(scope.Project, v.Metric, string(window)).Inc()
		reason := fmt.Sprintf("budget violated: %s at %.0f over limit %.0f (%s)", v.Metric, v.Observed, v.Limit, window)

		if _, err := o.breaker.Trip(ctx, scopeKey, v.Metric, reason); err != nil {
			o.logger.Error("failed to trip breaker on violation",
				zap.String("scope", scopeKey),
				zap.String("metric", v.Metric),
				zap.Error(err),
			)
		}

		o.recordAudit(ctx, scopeKey, models.AuditTrip, reason, map[string]interface{}{
			"metric":   v.Metric,
			"observed": v.Observed,
			"limit":    v.Limit,
			"window":   string(window),
		})

		if o.bus != nil {
			o.bus.Publish(ctx, events.NewEvent(events.EventBudgetViolation, scopeKey, map[string]interface{}{
				"metric":   v.Metric,
				"observed": v.Observed,
				"limit":    v.Limit,
				"window":   string(window),
			}))
		}
	}

	// Warnings do not write audit rows: a hot scope re-crosses the same
	// threshold on every sample, and the alert layer already dedups the
	// operator-facing signal per (scope, metric, bucket).
	for _, w := range outcome.Warnings {
		metrics.BudgetWarnings.WithLabelValues(scope.Project, w.Metric, string(w.Bucket)).Inc()

		if o.bus != nil {
			o.bus.Publish(ctx, events.NewEvent(events.EventBudgetWarning, scopeKey, map[string]interface{}{
				"metric":   w.Metric,
				"observed": w.Observed,
				"limit":    w.Limit,
				"bucket":   string(w.Bucket),
				"window":   string(window),
			}))
		}
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, scope string, eventType models.AuditEventType, reason string, metadata map[string]interface{}) {
	err := o.audit.RecordEvent(ctx, models.AuditEvent{
		Scope:     scope,
		Type:      eventType,
		Actor:     "budget-enforcement",
		Reason:    reason,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Error("failed to record enforcement audit event",
			zap.String("scope", scope),
			zap.Error(err),
		)
	}
}
