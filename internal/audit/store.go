package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/usageguard/governor/pkg/database"
	"github.com/usageguard/governor/pkg/models"
)

// Store appends governance facts to Postgres. Both tables are
// append-only: trips, resets, warnings and anomalies are history, never
// updated in place.
type Store struct {
	db *database.Database
}

// NewStore creates a new audit store.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

// RecordEvent appends one audit event.
func (s *Store) RecordEvent(ctx context.Context, event models.AuditEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO audit_events (scope, event_type, actor, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		event.Scope,
		string(event.Type),
		event.Actor,
		event.Reason,
		metadata,
		ts,
	)
	if err != nil {
		return &models.TransientStoreError{Op: "insert audit event", Err: err}
	}
	return nil
}

// RecordAnomaly appends one anomaly record.
func (s *Store) RecordAnomaly(ctx context.Context, record models.AnomalyRecord) error {
	ts := record.DetectedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO anomaly_records (
			scope, metric, observed_value, baseline_mean, baseline_stddev, deviation_factor, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		record.Scope,
		record.Metric,
		record.ObservedValue,
		record.BaselineMean,
		record.BaselineStddev,
		record.DeviationFactor,
		ts,
	)
	if err != nil {
		return &models.TransientStoreError{Op: "insert anomaly record", Err: err}
	}
	return nil
}

// ListEvents returns the most recent audit events for a scope, newest
// first. An empty scope lists across all scopes.
func (s *Store) ListEvents(ctx context.Context, scope string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT scope, event_type, actor, reason, metadata, created_at
		FROM audit_events
		WHERE ($1 = '' OR scope = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.Pool.Query(ctx, query, scope, limit)
	if err != nil {
		return nil, &models.TransientStoreError{Op: "list audit events", Err: err}
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var event models.AuditEvent
		var eventType string
		var metadata []byte
		if err := rows.Scan(&event.Scope, &eventType, &event.Actor, &event.Reason, &metadata, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Type = models.AuditEventType(eventType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// ListAnomalies returns the most recent anomaly records for a scope,
// newest first. An empty scope lists across all scopes.
func (s *Store) ListAnomalies(ctx context.Context, scope string, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT scope, metric, observed_value, baseline_mean, baseline_stddev, deviation_factor, detected_at
		FROM anomaly_records
		WHERE ($1 = '' OR scope = $1)
		ORDER BY detected_at DESC
		LIMIT $2`,
		scope, limit,
	)
	if err != nil {
		return nil, &models.TransientStoreError{Op: "list anomaly records", Err: err}
	}
	defer rows.Close()

	var out []models.AnomalyRecord
	for rows.Next() {
		var record models.AnomalyRecord
		if err := rows.Scan(
			&record.Scope,
			&record.Metric,
			&record.ObservedValue,
			&record.BaselineMean,
			&record.BaselineStddev,
			&record.DeviationFactor,
			&record.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
