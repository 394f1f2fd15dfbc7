package enforcement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

type memCounter struct {
	mu     sync.Mutex
	totals map[string]float64
	err    error
}

func (m *memCounter) Increment(_ context.Context, scope models.TenantScope, metric string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.totals == nil {
		m.totals = map[string]float64{}
	}
	key := scope.String() + "/" + metric
	m.totals[key] += delta
	return m.totals[key], nil
}

type memSamples struct {
	mu      sync.Mutex
	samples []models.MetricSample
	err     error
}

func (m *memSamples) Record(_ context.Context, sample models.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.samples = append(m.samples, sample)
	return nil
}

type memBudgets map[string][]models.Budget

func (m memBudgets) ListForScope(_ context.Context, scope string) ([]models.Budget, error) {
	budgets, ok := m[scope]
	if !ok {
		return nil, models.ErrConfigurationMissing
	}
	return budgets, nil
}

type memBreaker struct {
	mu    sync.Mutex
	trips []string
}

func (m *memBreaker) Trip(_ context.Context, scope, metric, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips = append(m.trips, scope+"/"+metric)
	return true, nil
}

func (m *memBreaker) tripped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.trips))
	copy(out, m.trips)
	return out
}

type memAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (m *memAudit) RecordEvent(_ context.Context, event models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) recorded() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

func newTestOrchestrator(counter *memCounter, samples *memSamples, budgets memBudgets, brk *memBreaker, audit *memAudit) *Orchestrator {
	return NewOrchestrator(counter, samples, budgets, brk, audit, nil, zap.NewNop())
}

func dailyBudget(scope, metric string, limit float64) models.Budget {
	return models.Budget{Scope: scope, Metric: metric, SoftLimit: limit, Window: models.WindowDaily}
}

func TestClassify(t *testing.T) {
	budget := dailyBudget("acme:storage:writes", "write_ops_total", 1_000_000)

	tests := []struct {
		name       string
		observed   float64
		violations int
		bucket     Bucket
	}{
		{"well under limit", 100_000, 0, ""},
		{"seventy percent bucket", 750_000, 0, Bucket70},
		{"ninety percent bucket", 950_000, 0, Bucket90},
		{"exactly at limit is not a violation", 1_000_000, 0, Bucket90},
		{"over limit", 1_000_001, 1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := Classify(budget, tt.observed)
			assert.Len(t, outcome.Violations, tt.violations)
			if tt.bucket == "" {
				assert.Empty(t, outcome.Warnings)
			} else {
				require.Len(t, outcome.Warnings, 1)
				assert.Equal(t, tt.bucket, outcome.Warnings[0].Bucket)
			}
		})
	}
}

func TestIngestWarningDoesNotTrip(t *testing.T) {
	scope := models.MustParseScope("acme:storage:writes")
	budgets := memBudgets{scope.String(): {dailyBudget(scope.String(), "write_ops_total", 1_000_000)}}
	brk := &memBreaker{}
	audit := &memAudit{}
	o := newTestOrchestrator(&memCounter{}, &memSamples{}, budgets, brk, audit)

	outcome, err := o.Ingest(context.Background(), models.MetricSample{
		Scope:   scope,
		Metrics: map[string]float64{"write_ops_total": 950_000},
	})
	require.NoError(t, err)

	assert.Empty(t, outcome.Violations)
	require.Len(t, outcome.Warnings, 1)
	assert.Equal(t, Bucket90, outcome.Warnings[0].Bucket)
	assert.Empty(t, brk.tripped(), "a warning must not trip the breaker")
	assert.Empty(t, audit.recorded(), "warnings are not audit facts")
}

func TestIngestViolationTripsFeatureBreaker(t *testing.T) {
	scope := models.MustParseScope("acme:storage:writes")
	budgets := memBudgets{scope.String(): {dailyBudget(scope.String(), "write_ops_total", 1000)}}
	brk := &memBreaker{}
	audit := &memAudit{}
	o := newTestOrchestrator(&memCounter{}, &memSamples{}, budgets, brk, audit)

	outcome, err := o.Ingest(context.Background(), models.MetricSample{
		Scope:   scope,
		Metrics: map[string]float64{"write_ops_total": 1500},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Violations, 1)
	assert.Equal(t, []string{"acme:storage:writes/write_ops_total"}, brk.tripped())

	events := audit.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditTrip, events[0].Type)
	assert.Equal(t, "budget-enforcement", events[0].Actor)
}

func TestIngestAccumulatedTotalViolates(t *testing.T) {
	scope := models.MustParseScope("acme:storage:writes")
	budgets := memBudgets{scope.String(): {dailyBudget(scope.String(), "write_ops_total", 1000)}}
	brk := &memBreaker{}
	counter := &memCounter{}
	o := newTestOrchestrator(counter, &memSamples{}, budgets, brk, &memAudit{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := o.Ingest(ctx, models.MetricSample{
			Scope:   scope,
			Metrics: map[string]float64{"write_ops_total": 400},
		})
		require.NoError(t, err)
	}

	// 400+400+400 = 1200: the third sample pushes the running total over.
	assert.Len(t, brk.tripped(), 1)
}

func TestIngestRejectsMalformedMetricAndContinues(t *testing.T) {
	scope := models.MustParseScope("acme:storage:writes")
	budgets := memBudgets{scope.String(): {dailyBudget(scope.String(), "write_ops_total", 1000)}}
	samples := &memSamples{}
	o := newTestOrchestrator(&memCounter{}, samples, budgets, &memBreaker{}, &memAudit{})

	outcome, err := o.Ingest(context.Background(), models.MetricSample{
		Scope: scope,
		Metrics: map[string]float64{
			"Bad Metric!":     10,
			"negative_metric": -5,
			"write_ops_total": 500,
		},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Bad Metric!", "negative_metric"}, outcome.Rejected)
	require.Len(t, samples.samples, 1)
	assert.Equal(t, map[string]float64{"write_ops_total": 500}, samples.samples[0].Metrics)
}

func TestIngestUnbudgetedScopeEnforcesNothing(t *testing.T) {
	scope := models.MustParseScope("acme:storage:writes")
	brk := &memBreaker{}
	o := newTestOrchestrator(&memCounter{}, &memSamples{}, memBudgets{}, brk, &memAudit{})

	outcome, err := o.Ingest(context.Background(), models.MetricSample{
		Scope:   scope,
		Metrics: map[string]float64{"write_ops_total": 1e12},
	})
	require.NoError(t, err)

	assert.Empty(t, outcome.Violations)
	assert.Empty(t, outcome.Warnings)
	assert.Empty(t, brk.tripped())
}

func TestIngestCounterFailureFallsBackToSampleValue(t *testing.T) {
	scope := models.MustParseScope("acme:storage:writes")
	budgets := memBudgets{scope.String(): {dailyBudget(scope.String(), "write_ops_total", 1000)}}
	brk := &memBreaker{}
	counter := &memCounter{err: assert.AnError}
	o := newTestOrchestrator(counter, &memSamples{}, budgets, brk, &memAudit{})

	outcome, err := o.Ingest(context.Background(), models.MetricSample{
		Scope:   scope,
		Metrics: map[string]float64{"write_ops_total": 1500},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Violations, 1, "a dead counter store must not mask an obvious breach")
	assert.Len(t, brk.tripped(), 1)
}

func TestIngestMonthlyBudgetIgnoredOnFastPath(t *testing.T) {
	scope := models.MustParseScope("acme:storage:writes")
	budgets := memBudgets{scope.String(): {{
		Scope: scope.String(), Metric: "write_ops_total", SoftLimit: 10, Window: models.WindowMonthly,
	}}}
	brk := &memBreaker{}
	o := newTestOrchestrator(&memCounter{}, &memSamples{}, budgets, brk, &memAudit{})

	outcome, err := o.Ingest(context.Background(), models.MetricSample{
		Scope:   scope,
		Metrics: map[string]float64{"write_ops_total": 100},
	})
	require.NoError(t, err)

	assert.Empty(t, outcome.Violations, "monthly budgets belong to the monthly pass")
	assert.Empty(t, brk.tripped())
}

type memMonthUsage map[string]float64

func (m memMonthUsage) MonthUsage(_ context.Context, scope, metric string, _ time.Time) (float64, error) {
	return m[scope+"/"+metric], nil
}

type memScopes []string

func (m memScopes) ListScopes(_ context.Context) ([]string, error) { return m, nil }

func TestMonthlyPassClassifiesRollupTotals(t *testing.T) {
	scope := "acme:storage:writes"
	budgets := memBudgets{scope: {{
		Scope: scope, Metric: "write_ops_total", SoftLimit: 1_000_000, Window: models.WindowMonthly,
	}}}
	usage := memMonthUsage{scope + "/write_ops_total": 1_200_000}
	brk := &memBreaker{}
	audit := &memAudit{}

	pass := NewMonthlyPass(usage, budgets, memScopes{scope}, brk, audit, nil, zap.NewNop())
	outcome, err := pass.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, outcome.Violations, 1)
	assert.Equal(t, []string{scope + "/write_ops_total"}, brk.tripped())

	events := audit.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "monthly-budget-pass", events[0].Actor)
}

func TestMonthlyPassWarningBelowLimit(t *testing.T) {
	scope := "acme:storage:writes"
	budgets := memBudgets{scope: {{
		Scope: scope, Metric: "write_ops_total", SoftLimit: 1_000_000, Window: models.WindowMonthly,
	}}}
	usage := memMonthUsage{scope + "/write_ops_total": 800_000}
	brk := &memBreaker{}

	pass := NewMonthlyPass(usage, budgets, memScopes{scope}, brk, &memAudit{}, nil, zap.NewNop())
	outcome, err := pass.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, outcome.Violations)
	require.Len(t, outcome.Warnings, 1)
	assert.Equal(t, Bucket70, outcome.Warnings[0].Bucket)
	assert.Empty(t, brk.tripped())
}
