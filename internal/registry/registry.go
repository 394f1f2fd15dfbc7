package registry

import (
	"context"
	"sort"
	"time"

	"github.com/usageguard/governor/pkg/database"
	"github.com/usageguard/governor/pkg/models"
)

// Registry enumerates the tenant scopes under governance. The engine is
// tenant-count-agnostic: periodic passes discover scopes through this
// lookup instead of a configured list.
type Registry interface {
	ListScopes(ctx context.Context) ([]string, error)
}

// PostgresRegistry discovers scopes from two sources: every scope with a
// configured budget, plus every scope that reported samples recently.
// The union matters both ways: budgeted-but-idle scopes still need their
// breakers swept back to CLOSED, and unbudgeted-but-active scopes still
// feed anomaly baselines.
type PostgresRegistry struct {
	db       *database.Database
	lookback time.Duration
}

func NewPostgresRegistry(db *database.Database, lookback time.Duration) *PostgresRegistry {
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}
	return &PostgresRegistry{db: db, lookback: lookback}
}

func (r *PostgresRegistry) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT scope FROM budgets
		UNION
		SELECT DISTINCT scope FROM usage_samples WHERE observed_at > $1`,
		time.Now().UTC().Add(-r.lookback),
	)
	if err != nil {
		return nil, &models.TransientStoreError{Op: "list scopes", Err: err}
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(scopes)
	return scopes, nil
}

// Static is a fixed scope list, used in tests and single-tenant setups.
type Static []string

func (s Static) ListScopes(_ context.Context) ([]string, error) {
	return s, nil
}
