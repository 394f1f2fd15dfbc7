package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/usageguard/governor/pkg/cache"
	"github.com/usageguard/governor/pkg/events"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// UsageReader reads rolling-window usage totals.
type UsageReader interface {
	Read(ctx context.Context, scopeKey, metric string) (float64, error)
	ReadMonth(ctx context.Context, scopeKey, metric string, now time.Time) (float64, error)
}

// BudgetSource resolves the budgets configured for a scope.
type BudgetSource interface {
	ListForScope(ctx context.Context, scope string) ([]models.Budget, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, event models.AuditEvent) error
}

// ScopeLister enumerates the tenant scopes under governance.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]string, error)
}

// Breaker derives and stores tiered admission state per (scope, metric).
//
// Stored state carries a bounded TTL as an auto-heal backstop, but the
// sweep re-evaluates every scope each cycle: a scope returns to CLOSED
// when an evaluation observes usage back under the soft limit, not merely
// because the TTL lapsed.
type Breaker struct {
	cache    *cache.Cache
	usage    UsageReader
	budgets  BudgetSource
	registry ScopeLister
	audit    AuditRecorder
	bus      *events.Bus
	logger   *zap.Logger
	stateTTL time.Duration
	now      func() time.Time
}

// NewBreaker creates the tiered circuit breaker.
func NewBreaker(c *cache.Cache, usage UsageReader, budgets BudgetSource, registry ScopeLister, audit AuditRecorder, bus *events.Bus, logger *zap.Logger, stateTTL time.Duration) *Breaker {
	return &Breaker{
		cache:    c,
		usage:    usage,
		budgets:  budgets,
		registry: registry,
		audit:    audit,
		bus:      bus,
		logger:   logger,
		stateTTL: stateTTL,
		now:      time.Now,
	}
}

func stateKey(scope, metric string) string {
	return fmt.Sprintf("breaker:%s:%s", scope, metric)
}

// State returns the stored breaker state for a (scope, metric).
// Missing or expired state reads as CLOSED.
func (b *Breaker) State(ctx context.Context, scope, metric string) (models.BreakerState, error) {
	raw, found, err := b.cache.Get(ctx, stateKey(scope, metric))
	if err != nil {
		return models.BreakerState{}, &models.TransientStoreError{Op: "read breaker state", Err: err}
	}
	if !found {
		return models.BreakerState{
			Scope:  scope,
			Metric: metric,
			Status: models.StatusClosed,
		}, nil
	}

	var state models.BreakerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		b.logger.Warn("corrupt breaker state, treating as closed",
			zap.String("scope", scope),
			zap.String("metric", metric),
			zap.Error(err),
		)
		return models.BreakerState{Scope: scope, Metric: metric, Status: models.StatusClosed}, nil
	}
	return state, nil
}

// Evaluate reads current usage for one budgeted metric, derives the tier
// and stores it. Returns whether the status changed. An audit event and a
// governance event are emitted only on a status change, never on every
// evaluation.
func (b *Breaker) Evaluate(ctx context.Context, scope string, budget models.Budget) (bool, error) {
	usage, err := b.readUsage(ctx, scope, budget)
	if err != nil {
		// Unreadable usage must not trip or reset anything: keep the
		// prior verdict and let the next sweep retry.
		b.logger.Error("usage unreadable, keeping prior breaker state",
			zap.String("scope", scope),
			zap.String("metric", budget.Metric),
			zap.Error(err),
		)
		return false, nil
	}

	status := DetermineStatus(usage, budget.SoftLimit, budget.HardMultiplier)
	reason := fmt.Sprintf("usage %.0f against soft limit %.0f (hard %.0f)", usage, budget.SoftLimit, budget.HardLimit())
	return b.transition(ctx, scope, budget.Metric, status, reason, "breaker-sweep")
}

// Trip forces a (scope, metric) to OPEN immediately, independent of the
// usage-ratio evaluation. Used by the enforcement orchestrator on a direct
// budget breach. Idempotent: tripping an already-open breaker is a no-op.
func (b *Breaker) Trip(ctx context.Context, scope, metric, reason string) (bool, error) {
	return b.transition(ctx, scope, metric, models.StatusOpen, reason, "budget-enforcement")
}

func (b *Breaker) transition(ctx context.Context, scope, metric string, status models.BreakerStatus, reason, actor string) (bool, error) {
	prev, err := b.State(ctx, scope, metric)
	if err != nil {
		b.logger.Error("breaker state unreadable, skipping transition",
			zap.String("scope", scope),
			zap.String("metric", metric),
			zap.Error(err),
		)
		return false, nil
	}

	now := b.now().UTC()
	state := models.BreakerState{
		Scope:     scope,
		Metric:    metric,
		Status:    status,
		Reason:    reason,
		UpdatedAt: now,
		TrippedAt: prev.TrippedAt,
	}
	if status == models.StatusOpen && prev.Status != models.StatusOpen {
		state.TrippedAt = &now
	}
	if status != models.StatusOpen {
		state.TrippedAt = nil
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("failed to marshal breaker state: %w", err)
	}
	if err := b.cache.Set(ctx, stateKey(scope, metric), raw, b.stateTTL); err != nil {
		return false, &models.TransientStoreError{Op: "write breaker state", Err: err}
	}

	metrics.SetBreakerStatus(scope, metric, string(status))

	if status == prev.Status {
		return false, nil
	}

	metrics.BreakerTransitions.WithLabelValues(string(status)).Inc()
	b.logger.Info("breaker status changed",
		zap.String("scope", scope),
		zap.String("metric", metric),
		zap.String("from", string(prev.Status)),
		zap.String("to", string(status)),
		zap.String("reason", reason),
	)

	b.recordAudit(ctx, scope, metric, prev.Status, status, reason, actor)
	b.publish(ctx, scope, metric, prev.Status, status, reason)

	return true, nil
}

func (b *Breaker) recordAudit(ctx context.Context, scope, metric string, from, to models.BreakerStatus, reason, actor string) {
	eventType := models.AuditWarn
	switch to {
	case models.StatusOpen:
		eventType = models.AuditTrip
	case models.StatusClosed:
		eventType = models.AuditReset
	}

	err := b.audit.RecordEvent(ctx, models.AuditEvent{
		Scope:  scope,
		Type:   eventType,
		Actor:  actor,
		Reason: reason,
		Metadata: map[string]interface{}{
			"metric": metric,
			"from":   string(from),
			"to":     string(to),
		},
		Timestamp: b.now().UTC(),
	})
	if err != nil {
		// Audit failures never block the admission decision.
		b.logger.Error("failed to record breaker audit event",
			zap.String("scope", scope),
			zap.String("metric", metric),
			zap.Error(err),
		)
	}
}

func (b *Breaker) publish(ctx context.Context, scope, metric string, from, to models.BreakerStatus, reason string) {
	if b.bus == nil {
		return
	}
	var eventType events.EventType
	switch to {
	case models.StatusOpen:
		eventType = events.EventBreakerTripped
	case models.StatusClosed:
		eventType = events.EventBreakerReset
	default:
		eventType = events.EventBreakerWarning
	}
	b.bus.Publish(ctx, events.NewEvent(eventType, scope, map[string]interface{}{
		"metric": metric,
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	}))
}

func (b *Breaker) readUsage(ctx context.Context, scope string, budget models.Budget) (float64, error) {
	if budget.Window == models.WindowMonthly {
		return b.usage.ReadMonth(ctx, scope, budget.Metric, b.now())
	}
	return b.usage.Read(ctx, scope, budget.Metric)
}

// Sweep evaluates every budgeted metric of every registered scope.
// A single scope's failure never aborts the rest of the sweep.
func (b *Breaker) Sweep(ctx context.Context) (evaluated, changed int) {
	scopes, err := b.registry.ListScopes(ctx)
	if err != nil {
		b.logger.Error("breaker sweep could not list scopes", zap.Error(err))
		return 0, 0
	}

	for _, scope := range scopes {
		budgets, err := b.budgets.ListForScope(ctx, scope)
		if err != nil {
			if !errors.Is(err, models.ErrConfigurationMissing) {
				b.logger.Error("breaker sweep could not load budgets",
					zap.String("scope", scope),
					zap.Error(err),
				)
			}
			continue
		}
		for _, budget := range budgets {
			evaluated++
			didChange, err := b.Evaluate(ctx, scope, budget)
			if err != nil {
				b.logger.Error("breaker evaluation failed",
					zap.String("scope", scope),
					zap.String("metric", budget.Metric),
					zap.Error(err),
				)
				continue
			}
			if didChange {
				changed++
			}
		}
	}

	return evaluated, changed
}
