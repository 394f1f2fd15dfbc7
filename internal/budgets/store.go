package budgets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// Querier is the slice of pgxpool.Pool the store uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type cacheEntry struct {
	budgets   []models.Budget
	missing   bool
	fetchedAt time.Time
}

// Store serves budget configuration from Postgres through a small
// time-boxed in-process cache. Absence of budgets for a scope is cached
// too (negatively), since unbudgeted scopes are the common case on the
// ingestion fast path. Invalidate flushes a scope after an admin write;
// other replicas converge within the cache TTL.
type Store struct {
	db     Querier
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewStore(db Querier, logger *zap.Logger, ttl time.Duration) *Store {
	return &Store{
		db:      db,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// ListForScope returns the budgets configured for a scope. A scope with
// no configuration returns models.ErrConfigurationMissing: callers treat
// that as "nothing enforced", not a failure. When the database is
// unreachable and a stale cache entry exists, the stale entry is served.
func (s *Store) ListForScope(ctx context.Context, scope string) ([]models.Budget, error) {
	s.mu.RLock()
	entry, ok := s.entries[scope]
	s.mu.RUnlock()

	if ok && s.now().Sub(entry.fetchedAt) < s.ttl {
		return entry.result()
	}

	budgets, err := s.fetch(ctx, scope)
	if err != nil {
		if ok {
			s.logger.Warn("budget fetch failed, serving stale cache",
				zap.String("scope", scope),
				zap.Error(err),
			)
			return entry.result()
		}
		return nil, &models.TransientStoreError{Op: "fetch budgets", Err: err}
	}

	s.mu.Lock()
	s.entries[scope] = cacheEntry{
		budgets:   budgets,
		missing:   len(budgets) == 0,
		fetchedAt: s.now(),
	}
	s.mu.Unlock()

	if len(budgets) == 0 {
		return nil, models.ErrConfigurationMissing
	}
	return budgets, nil
}

func (e cacheEntry) result() ([]models.Budget, error) {
	if e.missing {
		return nil, models.ErrConfigurationMissing
	}
	return e.budgets, nil
}

func (s *Store) fetch(ctx context.Context, scope string) ([]models.Budget, error) {
	rows, err := s.db.Query(ctx, `
		SELECT scope, metric, soft_limit, hard_multiplier, window_kind
		FROM budgets
		WHERE scope = $1
		ORDER BY metric`,
		scope,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var budgets []models.Budget
	for rows.Next() {
		var b models.Budget
		var window string
		if err := rows.Scan(&b.Scope, &b.Metric, &b.SoftLimit, &b.HardMultiplier, &window); err != nil {
			return nil, fmt.Errorf("failed to scan budget row: %w", err)
		}
		b.Window = models.WindowKind(window)
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// Upsert writes one budget row, keyed by (scope, metric).
func (s *Store) Upsert(ctx context.Context, budget models.Budget) error {
	if budget.SoftLimit <= 0 {
		return &models.ValidationError{Field: "soft_limit", Reason: "must be positive"}
	}
	if !models.ValidMetricName(budget.Metric) {
		return &models.ValidationError{Field: "metric", Reason: "invalid metric name"}
	}
	if budget.Window != models.WindowDaily && budget.Window != models.WindowMonthly {
		return &models.ValidationError{Field: "window", Reason: "must be daily or monthly"}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO budgets (scope, metric, soft_limit, hard_multiplier, window_kind, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (scope, metric)
		DO UPDATE SET
			soft_limit = EXCLUDED.soft_limit,
			hard_multiplier = EXCLUDED.hard_multiplier,
			window_kind = EXCLUDED.window_kind,
			updated_at = NOW()`,
		budget.Scope, budget.Metric, budget.SoftLimit, budget.HardMultiplier, string(budget.Window),
	)
	if err != nil {
		return &models.TransientStoreError{Op: "upsert budget", Err: err}
	}

	s.Invalidate(budget.Scope)
	return nil
}

// Delete removes one budget row.
func (s *Store) Delete(ctx context.Context, scope, metric string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM budgets WHERE scope = $1 AND metric = $2`, scope, metric)
	if err != nil {
		return &models.TransientStoreError{Op: "delete budget", Err: err}
	}

	s.Invalidate(scope)
	return nil
}

// Invalidate drops the cached entry for a scope, forcing the next read
// through to the database.
func (s *Store) Invalidate(scope string) {
	s.mu.Lock()
	delete(s.entries, scope)
	s.mu.Unlock()
}
