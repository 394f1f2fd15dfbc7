package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/usageguard/governor/pkg/cache"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// Window selects which rolling accumulator a read targets.
type Window string

const (
	Window24h     Window = "24h"
	WindowMonthly Window = "month"
)

// Counters maintains approximate sliding-window usage totals in Redis.
// A counter is created on first increment, its TTL refreshed on every
// increment, and garbage-collected by expiry once writes stop.
type Counters struct {
	cache        *cache.Cache
	logger       *zap.Logger
	windowTTL    time.Duration
	monthlyTTL   time.Duration
	storeTimeout time.Duration
}

// NewCounters creates the rolling-window accountant.
func NewCounters(c *cache.Cache, logger *zap.Logger, windowTTL, monthlyTTL, storeTimeout time.Duration) *Counters {
	return &Counters{
		cache:        c,
		logger:       logger,
		windowTTL:    windowTTL,
		monthlyTTL:   monthlyTTL,
		storeTimeout: storeTimeout,
	}
}

func windowKey(scopeKey, metric string) string {
	return fmt.Sprintf("usage:%s:%s:24h", scopeKey, metric)
}

func monthKey(scopeKey, metric string, t time.Time) string {
	return fmt.Sprintf("usage:%s:%s:month:%s", scopeKey, metric, t.UTC().Format("2006-01"))
}

// Increment adds delta to the 24h and monthly counters at feature, project
// and global granularity, returning the new feature-level 24h total.
// Increments are atomic at the store; concurrent ingestion workers never
// lose updates. A transient failure is retried once, then surfaced as a
// TransientStoreError.
func (c *Counters) Increment(ctx context.Context, scope models.TenantScope, metric string, delta float64) (float64, error) {
	now := time.Now().UTC()
	var featureTotal float64

	for i, scopeKey := range scope.Keys() {
		total, err := c.incrWithRetry(ctx, windowKey(scopeKey, metric), delta, c.windowTTL)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			featureTotal = total
		}
		if _, err := c.incrWithRetry(ctx, monthKey(scopeKey, metric, now), delta, c.monthlyTTL); err != nil {
			return 0, err
		}
	}

	return featureTotal, nil
}

func (c *Counters) incrWithRetry(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	total, err := c.incr(ctx, key, delta, ttl)
	if err == nil {
		return total, nil
	}
	c.logger.Warn("counter increment failed, retrying once",
		zap.String("key", key),
		zap.Error(err),
	)
	total, err = c.incr(ctx, key, delta, ttl)
	if err != nil {
		return 0, &models.TransientStoreError{Op: "increment " + key, Err: err}
	}
	return total, nil
}

func (c *Counters) incr(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	return c.cache.IncrByFloat(ctx, key, delta, ttl)
}

// Read returns the current 24h total for a scope key and metric.
// A cold or expired counter reads as zero, never as an error; evaluation
// downstream must not block on missing accounting state.
func (c *Counters) Read(ctx context.Context, scopeKey, metric string) (float64, error) {
	return c.read(ctx, windowKey(scopeKey, metric))
}

// ReadMonth returns the current calendar-month total for a scope key.
func (c *Counters) ReadMonth(ctx context.Context, scopeKey, metric string, now time.Time) (float64, error) {
	return c.read(ctx, monthKey(scopeKey, metric, now))
}

func (c *Counters) read(ctx context.Context, key string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	val, found, err := c.cache.GetFloat(ctx, key)
	if err != nil {
		return 0, &models.TransientStoreError{Op: "read " + key, Err: err}
	}
	if !found {
		c.logger.Debug("counter absent, reading zero", zap.String("key", key))
		return 0, nil
	}
	return val, nil
}
