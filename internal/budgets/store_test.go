package budgets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

type budgetRow struct {
	scope, metric  string
	softLimit      float64
	hardMultiplier float64
	window         string
}

type fakeRows struct {
	rows []budgetRow
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*dest[0].(*string) = row.scope
	*dest[1].(*string) = row.metric
	*dest[2].(*float64) = row.softLimit
	*dest[3].(*float64) = row.hardMultiplier
	*dest[4].(*string) = row.window
	return nil
}
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeQuerier struct {
	rows    map[string][]budgetRow
	queries int
	execs   int
	err     error
}

func (q *fakeQuerier) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	q.queries++
	if q.err != nil {
		return nil, q.err
	}
	scope, _ := args[0].(string)
	return &fakeRows{rows: q.rows[scope]}, nil
}

func (q *fakeQuerier) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	q.execs++
	if q.err != nil {
		return pgconn.CommandTag{}, q.err
	}
	return pgconn.CommandTag{}, nil
}

func newTestStore(q *fakeQuerier) *Store {
	return NewStore(q, zap.NewNop(), 30*time.Second)
}

func TestListForScopeFetchesAndCaches(t *testing.T) {
	scope := "acme:compute:api"
	q := &fakeQuerier{rows: map[string][]budgetRow{
		scope: {{scope, "requests_total", 1000, 1.5, "daily"}},
	}}
	s := newTestStore(q)

	ctx := context.Background()
	budgets, err := s.ListForScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.Equal(t, "requests_total", budgets[0].Metric)
	assert.Equal(t, 1000.0, budgets[0].SoftLimit)
	assert.Equal(t, models.WindowDaily, budgets[0].Window)

	_, err = s.ListForScope(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, q.queries, "second read within the TTL is served from cache")
}

func TestListForScopeCachesAbsenceNegatively(t *testing.T) {
	q := &fakeQuerier{rows: map[string][]budgetRow{}}
	s := newTestStore(q)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.ListForScope(ctx, "acme:compute:unbudgeted")
		assert.ErrorIs(t, err, models.ErrConfigurationMissing)
	}
	assert.Equal(t, 1, q.queries, "absence is cached, not refetched per call")
}

func TestListForScopeExpiredEntryRefetches(t *testing.T) {
	scope := "acme:compute:api"
	q := &fakeQuerier{rows: map[string][]budgetRow{
		scope: {{scope, "requests_total", 1000, 1.5, "daily"}},
	}}
	s := newTestStore(q)

	base := time.Now()
	s.now = func() time.Time { return base }

	ctx := context.Background()
	_, err := s.ListForScope(ctx, scope)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Minute) }
	_, err = s.ListForScope(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, q.queries)
}

func TestListForScopeServesStaleOnStoreFailure(t *testing.T) {
	scope := "acme:compute:api"
	q := &fakeQuerier{rows: map[string][]budgetRow{
		scope: {{scope, "requests_total", 1000, 1.5, "daily"}},
	}}
	s := newTestStore(q)

	base := time.Now()
	s.now = func() time.Time { return base }

	ctx := context.Background()
	_, err := s.ListForScope(ctx, scope)
	require.NoError(t, err)

	q.err = errors.New("connection refused")
	s.now = func() time.Time { return base.Add(time.Minute) }

	budgets, err := s.ListForScope(ctx, scope)
	require.NoError(t, err, "stale cache beats a hard failure")
	require.Len(t, budgets, 1)
}

func TestListForScopeColdFailureIsTransient(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection refused")}
	s := newTestStore(q)

	_, err := s.ListForScope(context.Background(), "acme:compute:api")
	var transient *models.TransientStoreError
	require.ErrorAs(t, err, &transient)
}

func TestUpsertValidatesAndInvalidates(t *testing.T) {
	scope := "acme:compute:api"
	q := &fakeQuerier{rows: map[string][]budgetRow{
		scope: {{scope, "requests_total", 1000, 1.5, "daily"}},
	}}
	s := newTestStore(q)

	ctx := context.Background()
	_, err := s.ListForScope(ctx, scope)
	require.NoError(t, err)

	err = s.Upsert(ctx, models.Budget{
		Scope: scope, Metric: "requests_total", SoftLimit: 2000, Window: models.WindowDaily,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, q.execs)

	_, err = s.ListForScope(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, q.queries, "upsert flushes the scope from cache")
}

func TestUpsertRejectsBadInput(t *testing.T) {
	s := newTestStore(&fakeQuerier{})
	ctx := context.Background()

	var verr *models.ValidationError

	err := s.Upsert(ctx, models.Budget{Scope: "a:b:c", Metric: "requests_total", SoftLimit: 0, Window: models.WindowDaily})
	require.ErrorAs(t, err, &verr)

	err = s.Upsert(ctx, models.Budget{Scope: "a:b:c", Metric: "Bad Metric!", SoftLimit: 10, Window: models.WindowDaily})
	require.ErrorAs(t, err, &verr)

	err = s.Upsert(ctx, models.Budget{Scope: "a:b:c", Metric: "requests_total", SoftLimit: 10, Window: "weekly"})
	require.ErrorAs(t, err, &verr)
}
