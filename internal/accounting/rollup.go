package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/usageguard/governor/pkg/events"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// MetricClass determines how a metric aggregates across sub-periods.
//
// Flow metrics (writes, reads, requests) are rates: sub-period rows are
// SUMmed. Cumulative metrics (a running billing total, storage bytes) are
// point-in-time totals: sub-periods take the MAX, and period-over-period
// consumption is the delta of MAXes. Using MAX where SUM is required
// silently deflates true usage by orders of magnitude.
type MetricClass int

const (
	ClassFlow MetricClass = iota
	ClassCumulative
)

// ClassOf classifies a metric name. Cumulative metrics carry a "_total"
// suffix or name a point-in-time quantity; everything else is flow.
func ClassOf(metric string) MetricClass {
	if strings.HasSuffix(metric, "_total") {
		return ClassCumulative
	}
	switch metric {
	case "storage_bytes", "bandwidth_quota_bytes":
		return ClassCumulative
	}
	return ClassFlow
}

// AggregateValues applies the class rule to a set of sub-period values.
func AggregateValues(class MetricClass, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if class == ClassCumulative {
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum
}

// PeriodBounds returns the [start, end) interval of the period containing t.
func PeriodBounds(period models.PeriodKind, t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	switch period {
	case models.PeriodHour:
		start := t.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case models.PeriodDay:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	default:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

// Querier is the slice of the pgx pool the rollup runner touches.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, event models.AuditEvent) error
}

// Rollup writes exact period aggregates to Postgres.
type Rollup struct {
	db     Querier
	audit  AuditRecorder
	bus    *events.Bus
	logger *zap.Logger
}

// NewRollup creates the rollup runner.
func NewRollup(db Querier, audit AuditRecorder, bus *events.Bus, logger *zap.Logger) *Rollup {
	return &Rollup{db: db, audit: audit, bus: bus, logger: logger}
}

type rollupRow struct {
	scope  string
	metric string
	sum    float64
	max    float64
}

// Run aggregates the period containing date into period_rollups rows,
// returning the number of rows written. Upserts are keyed by
// (scope, period kind, period start, metric): re-running for a past date
// reproduces identical values, so retries and backfills are safe.
// A failing row is logged and skipped; it never aborts the other scopes.
func (r *Rollup) Run(ctx context.Context, period models.PeriodKind, date time.Time) (int, error) {
	start, end := PeriodBounds(period, date)

	rows, err := r.sourceRows(ctx, period, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to read rollup source for %s: %w", period, err)
	}

	written := 0
	for _, row := range rows {
		value := row.sum
		if ClassOf(row.metric) == ClassCumulative {
			value = row.max
		}

		_, err := r.db.Exec(ctx, `
			INSERT INTO period_rollups (scope, period_kind, period_start, metric, value, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (scope, period_kind, period_start, metric)
			DO UPDATE SET value = $5, updated_at = NOW()
		`, row.scope, string(period), start, row.metric, value)
		if err != nil {
			metrics.RollupFailures.WithLabelValues(string(period)).Inc()
			r.logger.Error("rollup row failed, continuing",
				zap.String("scope", row.scope),
				zap.String("metric", row.metric),
				zap.String("period", string(period)),
				zap.Time("period_start", start),
				zap.Error(err),
			)
			continue
		}
		written++
	}

	metrics.RollupRowsWritten.WithLabelValues(string(period)).Add(float64(written))
	r.logger.Info("rollup completed",
		zap.String("period", string(period)),
		zap.Time("period_start", start),
		zap.Int("rows_written", written),
		zap.Int("rows_failed", len(rows)-written),
	)

	r.recordAudit(ctx, period, start, written, len(rows)-written)

	if r.bus != nil {
		r.bus.Publish(ctx, events.NewEvent(events.EventRollupCompleted, models.GlobalScopeKey, map[string]interface{}{
			"period":       string(period),
			"period_start": start.Format(time.RFC3339),
			"rows_written": written,
		}))
	}

	return written, nil
}

func (r *Rollup) recordAudit(ctx context.Context, period models.PeriodKind, start time.Time, written, failed int) {
	if r.audit == nil {
		return
	}
	err := r.audit.RecordEvent(ctx, models.AuditEvent{
		Scope:  models.GlobalScopeKey,
		Type:   models.AuditRollup,
		Actor:  "rollup-runner",
		Reason: fmt.Sprintf("%s rollup completed", period),
		Metadata: map[string]interface{}{
			"period":       string(period),
			"period_start": start.Format(time.RFC3339),
			"rows_written": written,
			"rows_failed":  failed,
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		// The aggregates are already written; a missing audit row never
		// fails the run.
		r.logger.Error("failed to record rollup audit event",
			zap.String("period", string(period)),
			zap.Error(err),
		)
	}
}

// sourceRows reads per-(scope, metric) SUM and MAX candidates for the
// period. Hour and day periods aggregate raw samples at feature, project
// and global granularity; month aggregates the day rollup rows, so it
// inherits all granularities.
func (r *Rollup) sourceRows(ctx context.Context, period models.PeriodKind, start, end time.Time) ([]rollupRow, error) {
	if period == models.PeriodMonth {
		return r.queryRows(ctx, `
			SELECT scope, metric, COALESCE(SUM(value), 0), COALESCE(MAX(value), 0)
			FROM period_rollups
			WHERE period_kind = 'day' AND period_start >= $1 AND period_start < $2
			GROUP BY scope, metric
		`, start, end)
	}

	queries := []string{
		`SELECT scope, metric, COALESCE(SUM(value), 0), COALESCE(MAX(value), 0)
		 FROM usage_samples WHERE observed_at >= $1 AND observed_at < $2
		 GROUP BY scope, metric`,
		`SELECT project, metric, COALESCE(SUM(value), 0), COALESCE(MAX(value), 0)
		 FROM usage_samples WHERE observed_at >= $1 AND observed_at < $2
		 GROUP BY project, metric`,
		`SELECT 'global', metric, COALESCE(SUM(value), 0), COALESCE(MAX(value), 0)
		 FROM usage_samples WHERE observed_at >= $1 AND observed_at < $2
		 GROUP BY metric`,
	}

	var out []rollupRow
	for _, q := range queries {
		rows, err := r.queryRows(ctx, q, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (r *Rollup) queryRows(ctx context.Context, query string, start, end time.Time) ([]rollupRow, error) {
	rows, err := r.db.Query(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rollupRow
	for rows.Next() {
		var row rollupRow
		if err := rows.Scan(&row.scope, &row.metric, &row.sum, &row.max); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Values returns rollup values for (scope, metric, period) ordered oldest
// first within [from, to). Feeds anomaly baselines.
func (r *Rollup) Values(ctx context.Context, scope, metric string, period models.PeriodKind, from, to time.Time) ([]float64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT value FROM period_rollups
		WHERE scope = $1 AND metric = $2 AND period_kind = $3
		  AND period_start >= $4 AND period_start < $5
		ORDER BY period_start ASC
	`, scope, metric, string(period), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollup history: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// ValueAt returns a single rollup value, reporting absence without error.
func (r *Rollup) ValueAt(ctx context.Context, scope, metric string, period models.PeriodKind, start time.Time) (float64, bool, error) {
	var v float64
	err := r.db.QueryRow(ctx, `
		SELECT value FROM period_rollups
		WHERE scope = $1 AND metric = $2 AND period_kind = $3 AND period_start = $4
	`, scope, metric, string(period), start).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return v, true, nil
}

// MonthUsage derives a month's consumption for a metric from daily rollups:
// SUM of days for flow metrics, current MAX minus the prior month's MAX for
// cumulative metrics (never negative).
func (r *Rollup) MonthUsage(ctx context.Context, scope, metric string, month time.Time) (float64, error) {
	start, end := PeriodBounds(models.PeriodMonth, month)

	days, err := r.Values(ctx, scope, metric, models.PeriodDay, start, end)
	if err != nil {
		return 0, err
	}

	class := ClassOf(metric)
	if class == ClassFlow {
		return AggregateValues(ClassFlow, days), nil
	}

	current := AggregateValues(ClassCumulative, days)
	prevStart, prevEnd := PeriodBounds(models.PeriodMonth, start.AddDate(0, 0, -1))
	prevDays, err := r.Values(ctx, scope, metric, models.PeriodDay, prevStart, prevEnd)
	if err != nil {
		return 0, err
	}
	prior := AggregateValues(ClassCumulative, prevDays)

	delta := current - prior
	if delta < 0 {
		delta = 0
	}
	return delta, nil
}

// ListRollups returns recent rollup rows for the read API.
func (r *Rollup) ListRollups(ctx context.Context, scope string, period models.PeriodKind, limit int) ([]models.PeriodRollup, error) {
	rows, err := r.db.Query(ctx, `
		SELECT scope, period_kind, period_start, metric, value
		FROM period_rollups
		WHERE scope = $1 AND period_kind = $2
		ORDER BY period_start DESC
		LIMIT $3
	`, scope, string(period), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollups: %w", err)
	}
	defer rows.Close()

	var out []models.PeriodRollup
	for rows.Next() {
		var pr models.PeriodRollup
		var kind string
		if err := rows.Scan(&pr.Scope, &kind, &pr.PeriodStart, &pr.Metric, &pr.Value); err != nil {
			return nil, err
		}
		pr.Period = models.PeriodKind(kind)
		out = append(out, pr)
	}
	return out, rows.Err()
}
