package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/usageguard/governor/pkg/events"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// MonthUsageSource computes exact calendar-month usage from rollups.
type MonthUsageSource interface {
	MonthUsage(ctx context.Context, scope, metric string, month time.Time) (float64, error)
}

// ScopeLister enumerates registered scopes.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]string, error)
}

// MonthlyPass re-runs budget classification against exact month-to-date
// usage from rollups, entirely decoupled from the per-sample fast path.
// Findings carry the monthly window so downstream alerting applies the
// long dedup.
type MonthlyPass struct {
	usage    MonthUsageSource
	budgets  BudgetSource
	registry ScopeLister
	breaker  BreakerTripper
	audit    AuditRecorder
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time
}

func NewMonthlyPass(usage MonthUsageSource, budgets BudgetSource, registry ScopeLister, breaker BreakerTripper, audit AuditRecorder, bus *events.Bus, logger *zap.Logger) *MonthlyPass {
	return &MonthlyPass{
		usage:    usage,
		budgets:  budgets,
		registry: registry,
		breaker:  breaker,
		audit:    audit,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Run classifies every scope's month-to-date usage against its monthly
// budgets. Idempotent: re-running for the same month re-derives the same
// findings, and alert dedup absorbs the repeats.
func (m *MonthlyPass) Run(ctx context.Context) (Outcome, error) {
	var total Outcome

	scopes, err := m.registry.ListScopes(ctx)
	if err != nil {
		return total, fmt.Errorf("monthly pass could not list scopes: %w", err)
	}

	month := m.now().UTC()

	for _, scope := range scopes {
		budgets, err := m.budgets.ListForScope(ctx, scope)
		if err != nil {
			if !errors.Is(err, models.ErrConfigurationMissing) {
				m.logger.Error("monthly pass could not load budgets",
					zap.String("scope", scope),
					zap.Error(err),
				)
			}
			continue
		}

		for _, budget := range budgets {
			if budget.Window != models.WindowMonthly {
				continue
			}

			observed, err := m.usage.MonthUsage(ctx, scope, budget.Metric, month)
			if err != nil {
				m.logger.Error("monthly usage unreadable, skipping",
					zap.String("scope", scope),
					zap.String("metric", budget.Metric),
					zap.Error(err),
				)
				continue
			}

			outcome := Classify(budget, observed)
			m.act(ctx, scope, outcome)
			total.merge(outcome)
		}
	}

	return total, nil
}

func (m *MonthlyPass) act(ctx context.Context, scope string, outcome Outcome) {
	project := projectLabel(scope)

	for _, v := range outcome.Violations {
		metrics.BudgetViolations.WithLabelValues(project, v.Metric, string(models.WindowMonthly)).Inc()
		reason := fmt.Sprintf("monthly budget violated: %s at %.0f over limit %.0f", v.Metric, v.Observed, v.Limit)

		if _, err := m.breaker.Trip(ctx, scope, v.Metric, reason); err != nil {
			m.logger.Error("failed to trip breaker on monthly violation",
				zap.String("scope", scope),
				zap.String("metric", v.Metric),
				zap.Error(err),
			)
		}

		err := m.audit.RecordEvent(ctx, models.AuditEvent{
			Scope:  scope,
			Type:   models.AuditTrip,
			Actor:  "monthly-budget-pass",
			Reason: reason,
			Metadata: map[string]interface{}{
				"metric":   v.Metric,
				"observed": v.Observed,
				"limit":    v.Limit,
				"window":   string(models.WindowMonthly),
			},
			Timestamp: m.now().UTC(),
		})
		if err != nil {
			m.logger.Error("failed to record monthly audit event",
				zap.String("scope", scope),
				zap.Error(err),
			)
		}

		if m.bus != nil {
			m.bus.Publish(ctx, events.NewEvent(events.EventBudgetViolation, scope, map[string]interface{}{
				"metric":   v.Metric,
				"observed": v.Observed,
				"limit":    v.Limit,
				"window":   string(models.WindowMonthly),
			}))
		}
	}

	for _, w := range outcome.Warnings {
		metrics.BudgetWarnings.WithLabelValues(project, w.Metric, string(w.Bucket)).Inc()

		if m.bus != nil {
			m.bus.Publish(ctx, events.NewEvent(events.EventBudgetWarning, scope, map[string]interface{}{
				"metric":   w.Metric,
				"observed": w.Observed,
				"limit":    w.Limit,
				"bucket":   string(w.Bucket),
				"window":   string(models.WindowMonthly),
			}))
		}
	}
}

// projectLabel extracts the project segment from any scope key
// granularity, for metric labels only.
func projectLabel(scope string) string {
	if i := strings.IndexByte(scope, ':'); i > 0 {
		return scope[:i]
	}
	return scope
}
