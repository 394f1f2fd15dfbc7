package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/usageguard/governor/pkg/database"
	"github.com/usageguard/governor/pkg/models"
)

// SampleStore appends raw metric samples to Postgres, the exact source
// that rollups recompute from. Rows carry no sample id, so a redelivered
// sample double-counts in SUM rollups as well as in the rolling counters
// unless the caller deduplicates upstream.
type SampleStore struct {
	db *database.Database
}

// NewSampleStore creates a new raw sample store.
func NewSampleStore(db *database.Database) *SampleStore {
	return &SampleStore{db: db}
}

// Record appends one row per metric in the sample.
func (s *SampleStore) Record(ctx context.Context, sample models.MetricSample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	for metric, value := range sample.Metrics {
		_, err := s.db.Pool.Exec(ctx, `
			INSERT INTO usage_samples (
				scope, project, category, feature, metric, value, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			sample.Scope.String(),
			sample.Scope.Project,
			sample.Scope.Category,
			sample.Scope.Feature,
			metric,
			value,
			ts,
		)
		if err != nil {
			return fmt.Errorf("failed to insert usage sample: %w", err)
		}
	}

	return nil
}
