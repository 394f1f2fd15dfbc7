package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/usageguard/governor/internal/config"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

type fakeHistory struct {
	values  map[string][]float64
	today   map[string]float64
	noToday bool
}

func historyKey(scope, metric string) string { return scope + "/" + metric }

func (f *fakeHistory) Values(_ context.Context, scope, metric string, _ models.PeriodKind, _, _ time.Time) ([]float64, error) {
	return f.values[historyKey(scope, metric)], nil
}

func (f *fakeHistory) ValueAt(_ context.Context, scope, metric string, _ models.PeriodKind, _ time.Time) (float64, bool, error) {
	if f.noToday {
		return 0, false, nil
	}
	v, ok := f.today[historyKey(scope, metric)]
	return v, ok, nil
}

type fakeCounters struct {
	values map[string]float64
}

func (f *fakeCounters) Read(_ context.Context, scope, metric string) (float64, error) {
	return f.values[historyKey(scope, metric)], nil
}

type fakeBudgets map[string][]models.Budget

func (f fakeBudgets) ListForScope(_ context.Context, scope string) ([]models.Budget, error) {
	budgets, ok := f[scope]
	if !ok {
		return nil, models.ErrConfigurationMissing
	}
	return budgets, nil
}

type fakeScopes []string

func (f fakeScopes) ListScopes(_ context.Context) ([]string, error) { return f, nil }

type fakeAnomalyStore struct {
	mu      sync.Mutex
	records []models.AnomalyRecord
	err     error
}

func (f *fakeAnomalyStore) RecordAnomaly(_ context.Context, record models.AnomalyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

type fakeAuditStore struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (f *fakeAuditStore) RecordEvent(_ context.Context, event models.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func anomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		ThresholdStddevs: 3,
		DailyFloor:       7,
		HourlyFloor:      48,
		LookbackDays:     30,
		LookbackHours:    72,
	}
}

func newTestDetector(history *fakeHistory, counters *fakeCounters, budgets fakeBudgets, scopes []string, store *fakeAnomalyStore, audit *fakeAuditStore) *Detector {
	return NewDetector(history, counters, budgets, fakeScopes(scopes), store, audit, nil, zap.NewNop(), anomalyConfig())
}

func TestRunDailyFlagsDeviation(t *testing.T) {
	scope := "acme:compute:api"
	key := historyKey(scope, "requests_total")

	history := &fakeHistory{
		// Mean 100, stddev 10.
		values: map[string][]float64{key: {90, 110, 90, 110, 90, 110, 100}},
		today:  map[string]float64{key: 140},
	}
	store := &fakeAnomalyStore{}
	audit := &fakeAuditStore{}
	budgets := fakeBudgets{scope: {{Metric: "requests_total", SoftLimit: 1000, Window: models.WindowDaily}}}

	d := newTestDetector(history, &fakeCounters{}, budgets, []string{scope}, store, audit)
	checked, flagged := d.RunDaily(context.Background())

	assert.Equal(t, 1, checked)
	assert.Equal(t, 1, flagged)
	if assert.Len(t, store.records, 1) {
		rec := store.records[0]
		assert.Equal(t, scope, rec.Scope)
		assert.Equal(t, "requests_total", rec.Metric)
		assert.InDelta(t, 140, rec.ObservedValue, 1e-9)
		assert.InDelta(t, 100, rec.BaselineMean, 1e-9)
		assert.InDelta(t, 4.32, rec.DeviationFactor, 0.01)
	}
	if assert.Len(t, audit.events, 1) {
		assert.Equal(t, models.AuditAnomaly, audit.events[0].Type)
	}
}

func TestRunDailyFallsBackToLiveCounter(t *testing.T) {
	scope := "acme:compute:api"
	key := historyKey(scope, "requests_total")

	history := &fakeHistory{
		values:  map[string][]float64{key: {90, 110, 90, 110, 90, 110, 100}},
		noToday: true,
	}
	counters := &fakeCounters{values: map[string]float64{key: 200}}
	store := &fakeAnomalyStore{}
	budgets := fakeBudgets{scope: {{Metric: "requests_total", SoftLimit: 1000, Window: models.WindowDaily}}}

	d := newTestDetector(history, counters, budgets, []string{scope}, store, &fakeAuditStore{})
	checked, flagged := d.RunDaily(context.Background())

	assert.Equal(t, 1, checked)
	assert.Equal(t, 1, flagged)
}

func TestRunDailySkipsThinHistory(t *testing.T) {
	scope := "acme:compute:api"
	key := historyKey(scope, "requests_total")

	history := &fakeHistory{
		values: map[string][]float64{key: {90, 110, 100}},
		today:  map[string]float64{key: 1e9},
	}
	store := &fakeAnomalyStore{}
	budgets := fakeBudgets{scope: {{Metric: "requests_total", SoftLimit: 1000, Window: models.WindowDaily}}}

	d := newTestDetector(history, &fakeCounters{}, budgets, []string{scope}, store, &fakeAuditStore{})
	checked, flagged := d.RunDaily(context.Background())

	assert.Equal(t, 0, checked, "pairs below the sample floor are skipped, not checked")
	assert.Equal(t, 0, flagged)
	assert.Empty(t, store.records)
}

func TestRunDailySwallowsPersistenceFailure(t *testing.T) {
	scope := "acme:compute:api"
	key := historyKey(scope, "requests_total")

	history := &fakeHistory{
		values: map[string][]float64{key: {90, 110, 90, 110, 90, 110, 100}},
		today:  map[string]float64{key: 500},
	}
	store := &fakeAnomalyStore{err: assert.AnError}
	budgets := fakeBudgets{scope: {{Metric: "requests_total", SoftLimit: 1000, Window: models.WindowDaily}}}

	d := newTestDetector(history, &fakeCounters{}, budgets, []string{scope}, store, &fakeAuditStore{})
	checked, flagged := d.RunDaily(context.Background())

	assert.Equal(t, 1, checked)
	assert.Equal(t, 1, flagged, "a failing store must not suppress detection")
}

func TestRunHourlySkipsMissingHour(t *testing.T) {
	scope := "acme:compute:api"
	key := historyKey(scope, "requests_total")

	values := make([]float64, 48)
	for i := range values {
		values[i] = 100 + float64(i%2)*10
	}
	history := &fakeHistory{
		values:  map[string][]float64{key: values},
		noToday: true,
	}
	budgets := fakeBudgets{scope: {{Metric: "requests_total", SoftLimit: 1000, Window: models.WindowDaily}}}

	d := newTestDetector(history, &fakeCounters{}, budgets, []string{scope}, &fakeAnomalyStore{}, &fakeAuditStore{})
	checked, flagged := d.RunHourly(context.Background())

	assert.Equal(t, 0, checked, "no live-counter fallback at hour granularity")
	assert.Equal(t, 0, flagged)
}

func TestRunDailyIgnoresUnbudgetedScopes(t *testing.T) {
	d := newTestDetector(&fakeHistory{}, &fakeCounters{}, fakeBudgets{}, []string{"acme:compute:api"}, &fakeAnomalyStore{}, &fakeAuditStore{})
	checked, flagged := d.RunDaily(context.Background())
	assert.Equal(t, 0, checked)
	assert.Equal(t, 0, flagged)
}
