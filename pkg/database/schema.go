package database

import (
	"context"
	"fmt"
)

// Schema defines the PostgreSQL schema. Applied at startup; every
// statement is idempotent so restarts are safe.
const Schema = `
-- Raw metric samples, one row per (sample, metric)
CREATE TABLE IF NOT EXISTS usage_samples (
	id BIGSERIAL PRIMARY KEY,
	scope TEXT NOT NULL,
	project TEXT NOT NULL,
	category TEXT NOT NULL,
	feature TEXT NOT NULL,
	metric TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_samples_observed_at ON usage_samples(observed_at);
CREATE INDEX IF NOT EXISTS idx_usage_samples_scope_metric ON usage_samples(scope, metric, observed_at);

-- Exact periodic aggregates derived from usage_samples
CREATE TABLE IF NOT EXISTS period_rollups (
	scope TEXT NOT NULL,
	period_kind TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	metric TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (scope, period_kind, period_start, metric)
);

CREATE INDEX IF NOT EXISTS idx_period_rollups_period ON period_rollups(period_kind, period_start);

-- Budget configuration, one row per (scope, metric)
CREATE TABLE IF NOT EXISTS budgets (
	scope TEXT NOT NULL,
	metric TEXT NOT NULL,
	soft_limit DOUBLE PRECISION NOT NULL,
	hard_multiplier DOUBLE PRECISION NOT NULL DEFAULT 0,
	window_kind TEXT NOT NULL DEFAULT 'daily',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (scope, metric)
);

-- Append-only governance history
CREATE TABLE IF NOT EXISTS audit_events (
	id BIGSERIAL PRIMARY KEY,
	scope TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	reason TEXT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_scope ON audit_events(scope, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at DESC);

-- Detected usage anomalies
CREATE TABLE IF NOT EXISTS anomaly_records (
	id BIGSERIAL PRIMARY KEY,
	scope TEXT NOT NULL,
	metric TEXT NOT NULL,
	observed_value DOUBLE PRECISION NOT NULL,
	baseline_mean DOUBLE PRECISION NOT NULL,
	baseline_stddev DOUBLE PRECISION NOT NULL,
	deviation_factor DOUBLE PRECISION NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomaly_records_scope ON anomaly_records(scope, detected_at DESC);
`

// Migrate applies the schema.
func (d *Database) Migrate(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
