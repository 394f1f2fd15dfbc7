package anomaly

import (
	"context"
	"errors"
	"time"

	"github.com/usageguard/governor/internal/config"
	"github.com/usageguard/governor/pkg/events"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// HistorySource provides period aggregates for baselines and the current
// observation. Implemented by the accounting rollup store.
type HistorySource interface {
	Values(ctx context.Context, scope, metric string, period models.PeriodKind, from, to time.Time) ([]float64, error)
	ValueAt(ctx context.Context, scope, metric string, period models.PeriodKind, start time.Time) (float64, bool, error)
}

// CounterReader reads the live 24h counter, used for today's observation
// when the day rollup has not run yet.
type CounterReader interface {
	Read(ctx context.Context, scopeKey, metric string) (float64, error)
}

// BudgetSource enumerates the metrics under governance for a scope.
type BudgetSource interface {
	ListForScope(ctx context.Context, scope string) ([]models.Budget, error)
}

// ScopeLister enumerates registered tenant scopes.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]string, error)
}

// AnomalyStore persists append-only anomaly records.
type AnomalyStore interface {
	RecordAnomaly(ctx context.Context, record models.AnomalyRecord) error
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, event models.AuditEvent) error
}

// Detector runs the statistical passes over rollup history. Persistence
// and dispatch failures during anomaly handling are logged and swallowed:
// detection must never interrupt the pipeline that triggered it.
type Detector struct {
	history  HistorySource
	counters CounterReader
	budgets  BudgetSource
	registry ScopeLister
	store    AnomalyStore
	audit    AuditRecorder
	bus      *events.Bus
	logger   *zap.Logger
	cfg      config.AnomalyConfig
	now      func() time.Time
}

func NewDetector(history HistorySource, counters CounterReader, budgets BudgetSource, registry ScopeLister, store AnomalyStore, audit AuditRecorder, bus *events.Bus, logger *zap.Logger, cfg config.AnomalyConfig) *Detector {
	return &Detector{
		history:  history,
		counters: counters,
		budgets:  budgets,
		registry: registry,
		store:    store,
		audit:    audit,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// RunDaily checks every governed (scope, metric) against its daily
// baseline. Today's observation prefers the day rollup and falls back to
// the live 24h counter when the rollup has not run yet.
func (d *Detector) RunDaily(ctx context.Context) (checked, flagged int) {
	now := d.now().UTC()
	todayStart := now.Truncate(24 * time.Hour)
	from := todayStart.AddDate(0, 0, -d.cfg.LookbackDays)

	return d.run(ctx, models.PeriodDay, from, todayStart, d.cfg.DailyFloor, func(ctx context.Context, scope, metric string) (float64, bool) {
		value, found, err := d.history.ValueAt(ctx, scope, metric, models.PeriodDay, todayStart)
		if err != nil {
			d.logger.Error("could not read today's rollup",
				zap.String("scope", scope),
				zap.String("metric", metric),
				zap.Error(err),
			)
			return 0, false
		}
		if found {
			return value, true
		}
		value, err = d.counters.Read(ctx, scope, metric)
		if err != nil {
			d.logger.Error("could not read live counter for anomaly check",
				zap.String("scope", scope),
				zap.String("metric", metric),
				zap.Error(err),
			)
			return 0, false
		}
		return value, true
	})
}

// RunHourly checks the last completed hour against the hourly baseline.
// There is no live-counter fallback at hour granularity: a missing hour
// rollup skips the pair.
func (d *Detector) RunHourly(ctx context.Context) (checked, flagged int) {
	now := d.now().UTC()
	lastHour := now.Truncate(time.Hour).Add(-time.Hour)
	from := lastHour.Add(-time.Duration(d.cfg.LookbackHours) * time.Hour)

	return d.run(ctx, models.PeriodHour, from, lastHour, d.cfg.HourlyFloor, func(ctx context.Context, scope, metric string) (float64, bool) {
		value, found, err := d.history.ValueAt(ctx, scope, metric, models.PeriodHour, lastHour)
		if err != nil {
			d.logger.Error("could not read hour rollup",
				zap.String("scope", scope),
				zap.String("metric", metric),
				zap.Error(err),
			)
			return 0, false
		}
		return value, found
	})
}

type observeFunc func(ctx context.Context, scope, metric string) (float64, bool)

func (d *Detector) run(ctx context.Context, period models.PeriodKind, from, to time.Time, floor int, observe observeFunc) (checked, flagged int) {
	scopes, err := d.registry.ListScopes(ctx)
	if err != nil {
		d.logger.Error("anomaly pass could not list scopes", zap.Error(err))
		return 0, 0
	}

	for _, scope := range scopes {
		budgets, err := d.budgets.ListForScope(ctx, scope)
		if err != nil {
			if !errors.Is(err, models.ErrConfigurationMissing) {
				d.logger.Error("anomaly pass could not load budgets",
					zap.String("scope", scope),
					zap.Error(err),
				)
			}
			continue
		}

		for _, budget := range budgets {
			history, err := d.history.Values(ctx, scope, budget.Metric, period, from, to)
			if err != nil {
				d.logger.Error("could not load baseline history",
					zap.String("scope", scope),
					zap.String("metric", budget.Metric),
					zap.Error(err),
				)
				continue
			}

			baseline := ComputeBaseline(history)
			if baseline.SampleCount < floor {
				continue
			}

			current, ok := observe(ctx, scope, budget.Metric)
			if !ok {
				continue
			}
			checked++

			factor, anomalous := Detect(current, baseline, d.cfg.ThresholdStddevs, floor)
			if !anomalous {
				continue
			}
			flagged++
			d.handle(ctx, scope, budget.Metric, current, baseline, factor)
		}
	}

	return checked, flagged
}

func (d *Detector) handle(ctx context.Context, scope, metric string, current float64, baseline Baseline, factor float64) {
	now := d.now().UTC()

	d.logger.Warn("usage anomaly detected",
		zap.String("scope", scope),
		zap.String("metric", metric),
		zap.Float64("observed", current),
		zap.Float64("baseline_mean", baseline.Mean),
		zap.Float64("baseline_stddev", baseline.Stddev),
		zap.Float64("deviation_factor", factor),
	)
	metrics.AnomaliesDetected.WithLabelValues(metric).Inc()

	record := models.AnomalyRecord{
		Scope:           scope,
		Metric:          metric,
		ObservedValue:   current,
		BaselineMean:    baseline.Mean,
		BaselineStddev:  baseline.Stddev,
		DeviationFactor: factor,
		DetectedAt:      now,
	}
	if err := d.store.RecordAnomaly(ctx, record); err != nil {
		d.logger.Error("failed to persist anomaly record",
			zap.String("scope", scope),
			zap.String("metric", metric),
			zap.Error(err),
		)
	}

	err := d.audit.RecordEvent(ctx, models.AuditEvent{
		Scope:  scope,
		Type:   models.AuditAnomaly,
		Actor:  "anomaly-detector",
		Reason: "usage deviates from rolling baseline",
		Metadata: map[string]interface{}{
			"metric":           metric,
			"observed":         current,
			"baseline_mean":    baseline.Mean,
			"baseline_stddev":  baseline.Stddev,
			"deviation_factor": factor,
		},
		Timestamp: now,
	})
	if err != nil {
		d.logger.Error("failed to record anomaly audit event",
			zap.String("scope", scope),
			zap.String("metric", metric),
			zap.Error(err),
		)
	}

	if d.bus != nil {
		d.bus.Publish(ctx, events.NewEvent(events.EventAnomalyDetected, scope, map[string]interface{}{
			"metric":           metric,
			"observed":         current,
			"baseline_mean":    baseline.Mean,
			"deviation_factor": factor,
		}))
	}
}
