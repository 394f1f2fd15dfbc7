package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/usageguard/governor/internal/breaker"
	"github.com/usageguard/governor/internal/config"
	"github.com/usageguard/governor/pkg/cache"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// Controller runs the per-scope PID loop and publishes throttle rates.
//
// Two Redis locations per scope: `pid:{scope}` holds the authoritative
// controller state with a long TTL, `throttle:{scope}` holds just the
// published rate with a short TTL for the admission read path. Readers
// of the fast key may see a rate one tick stale.
type Controller struct {
	cache    *cache.Cache
	usage    breaker.UsageReader
	budgets  breaker.BudgetSource
	registry breaker.ScopeLister
	logger   *zap.Logger
	cfg      config.ThrottleConfig
	now      func() time.Time
}

func NewController(c *cache.Cache, usage breaker.UsageReader, budgets breaker.BudgetSource, registry breaker.ScopeLister, logger *zap.Logger, cfg config.ThrottleConfig) *Controller {
	return &Controller{
		cache:    c,
		usage:    usage,
		budgets:  budgets,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

func pidKey(scope string) string      { return fmt.Sprintf("pid:%s", scope) }
func throttleKey(scope string) string { return fmt.Sprintf("throttle:%s", scope) }

// Rate returns the published throttle rate for a scope. A missing or
// expired rate reads as 0: no shedding without a fresh controller verdict.
func (c *Controller) Rate(ctx context.Context, scope string) (float64, error) {
	rate, found, err := c.cache.GetFloat(ctx, throttleKey(scope))
	if err != nil {
		return 0, &models.TransientStoreError{Op: "read throttle rate", Err: err}
	}
	if !found {
		return 0, nil
	}
	return rate, nil
}

// Tick advances the controller one step for a scope. The usage ratio is
// the scope's 24h usage against its tightest daily soft limit; a scope
// with no daily budget has no controller and the tick is a no-op.
func (c *Controller) Tick(ctx context.Context, scope string) error {
	ratio, ok, err := c.usageRatio(ctx, scope)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	state, err := c.loadState(ctx, scope)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	dt := c.cfg.TickInterval
	if !state.LastUpdate.IsZero() {
		dt = now.Sub(state.LastUpdate)
	}

	next := Compute(state, ratio, dt, now, c.cfg)

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal pid state: %w", err)
	}
	if err := c.cache.Set(ctx, pidKey(scope), raw, c.cfg.StateTTL); err != nil {
		return &models.TransientStoreError{Op: "write pid state", Err: err}
	}
	if err := c.cache.Set(ctx, throttleKey(scope), next.ThrottleRate, c.cfg.RateTTL); err != nil {
		return &models.TransientStoreError{Op: "publish throttle rate", Err: err}
	}

	metrics.SetThrottleRate(scope, next.ThrottleRate)
	c.logger.Debug("throttle tick",
		zap.String("scope", scope),
		zap.Float64("usage_ratio", ratio),
		zap.Float64("throttle_rate", next.ThrottleRate),
		zap.Float64("integral", next.Integral),
	)
	return nil
}

// TickAll runs one controller step for every registered scope. Per-scope
// failures are logged and do not stop the pass.
func (c *Controller) TickAll(ctx context.Context) (ticked int) {
	scopes, err := c.registry.ListScopes(ctx)
	if err != nil {
		c.logger.Error("throttle pass could not list scopes", zap.Error(err))
		return 0
	}
	for _, scope := range scopes {
		if err := c.Tick(ctx, scope); err != nil {
			c.logger.Error("throttle tick failed",
				zap.String("scope", scope),
				zap.Error(err),
			)
			continue
		}
		ticked++
	}
	return ticked
}

// usageRatio picks the tightest (highest usage/limit) ratio across the
// scope's daily budgets. Returns ok=false when no daily budget exists.
func (c *Controller) usageRatio(ctx context.Context, scope string) (float64, bool, error) {
	budgets, err := c.budgets.ListForScope(ctx, scope)
	if err != nil {
		if errors.Is(err, models.ErrConfigurationMissing) {
			return 0, false, nil
		}
		return 0, false, err
	}

	var best float64
	found := false
	for _, budget := range budgets {
		if budget.Window != models.WindowDaily || budget.SoftLimit <= 0 {
			continue
		}
		usage, err := c.usage.Read(ctx, scope, budget.Metric)
		if err != nil {
			return 0, false, err
		}
		ratio := usage / budget.SoftLimit
		if !found || ratio > best {
			best = ratio
			found = true
		}
	}
	return best, found, nil
}

func (c *Controller) loadState(ctx context.Context, scope string) (models.PIDState, error) {
	raw, found, err := c.cache.Get(ctx, pidKey(scope))
	if err != nil {
		return models.PIDState{}, &models.TransientStoreError{Op: "read pid state", Err: err}
	}
	if !found {
		return models.PIDState{Scope: scope}, nil
	}

	var state models.PIDState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		c.logger.Warn("corrupt pid state, restarting controller",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return models.PIDState{Scope: scope}, nil
	}
	return state, nil
}
