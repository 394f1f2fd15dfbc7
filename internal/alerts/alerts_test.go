package alerts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usageguard/governor/internal/config"
	"github.com/usageguard/governor/pkg/cache"
	"github.com/usageguard/governor/pkg/events"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

type stubChannel struct {
	mu   sync.Mutex
	name string
	sent []Alert
	err  error
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, alert)
	return nil
}

func (c *stubChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func setupAlertCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	return c, mr, func() {
		c.Close()
		mr.Close()
	}
}

func newTestService(c *cache.Cache, primary, fallback Channel) *Service {
	return NewServiceWithChannels(c, zap.NewNop(), primary, fallback, 5*time.Second, 5*time.Minute, 24*time.Hour)
}

func sampleAlert() Alert {
	return Alert{
		Severity: SeverityCritical,
		Scope:    "acme:compute:api",
		Metric:   "requests_total",
		Observed: 1200,
		Limit:    1000,
		Message:  "budget violated",
	}
}

func TestDispatchSendsOnPrimary(t *testing.T) {
	c, _, cleanup := setupAlertCache(t)
	defer cleanup()

	primary := &stubChannel{name: "slack"}
	s := newTestService(c, primary, nil)

	result := s.Dispatch(context.Background(), sampleAlert(), "k1", 5*time.Minute)
	assert.True(t, result.Sent)
	assert.Equal(t, "slack", result.Channel)
	assert.NoError(t, result.Err)
	assert.Equal(t, 1, primary.count())
}

func TestDispatchDedupesWithinWindow(t *testing.T) {
	c, mr, cleanup := setupAlertCache(t)
	defer cleanup()

	primary := &stubChannel{name: "slack"}
	s := newTestService(c, primary, nil)

	ctx := context.Background()
	first := s.Dispatch(ctx, sampleAlert(), "k1", 5*time.Minute)
	assert.True(t, first.Sent)

	second := s.Dispatch(ctx, sampleAlert(), "k1", 5*time.Minute)
	assert.True(t, second.Deduped)
	assert.False(t, second.Sent)
	assert.Equal(t, 1, primary.count())

	// A different condition is its own bucket.
	third := s.Dispatch(ctx, sampleAlert(), "k2", 5*time.Minute)
	assert.True(t, third.Sent)

	// After the window lapses the same condition alerts again.
	mr.FastForward(6 * time.Minute)
	fourth := s.Dispatch(ctx, sampleAlert(), "k1", 5*time.Minute)
	assert.True(t, fourth.Sent)
}

func TestBreakerResetEventAlerts(t *testing.T) {
	c, _, cleanup := setupAlertCache(t)
	defer cleanup()

	primary := &stubChannel{name: "slack"}
	s := newTestService(c, primary, nil)

	bus := events.NewBus(zap.NewNop())
	s.Subscribe(bus)

	err := bus.PublishAndWait(context.Background(), events.NewEvent(events.EventBreakerReset, "acme:compute:api", map[string]interface{}{
		"metric": "api_calls",
		"from":   "OPEN",
		"to":     "CLOSED",
		"reason": "usage 40 against soft limit 100 (hard 150)",
	}))
	require.NoError(t, err)

	require.Equal(t, 1, primary.count())
	alert := primary.sent[0]
	assert.Equal(t, SeverityInfo, alert.Severity)
	assert.Equal(t, "acme:compute:api", alert.Scope)
	assert.Equal(t, "api_calls", alert.Metric)
	assert.Contains(t, alert.Message, "closed")
	assert.Contains(t, alert.Message, "usage 40")
}

func TestBreakerWarningEventAlerts(t *testing.T) {
	c, _, cleanup := setupAlertCache(t)
	defer cleanup()

	primary := &stubChannel{name: "slack"}
	s := newTestService(c, primary, nil)

	bus := events.NewBus(zap.NewNop())
	s.Subscribe(bus)

	ctx := context.Background()
	warning := events.NewEvent(events.EventBreakerWarning, "acme:compute:api", map[string]interface{}{
		"metric": "api_calls",
		"from":   "CLOSED",
		"to":     "WARNING",
		"reason": "usage 120 against soft limit 100 (hard 150)",
	})

	require.NoError(t, bus.PublishAndWait(ctx, warning))
	require.Equal(t, 1, primary.count())
	assert.Equal(t, SeverityWarning, primary.sent[0].Severity)
	assert.Contains(t, primary.sent[0].Message, "usage 120")

	// Same sustained condition inside the window is suppressed.
	require.NoError(t, bus.PublishAndWait(ctx, warning))
	assert.Equal(t, 1, primary.count())

	// Each transition dedups under its own key: a reset for the same
	// (scope, metric) still pages through.
	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventBreakerReset, "acme:compute:api", map[string]interface{}{
		"metric": "api_calls",
		"reason": "usage 40 against soft limit 100 (hard 150)",
	})))
	assert.Equal(t, 2, primary.count())
}

func TestDispatchFallsBackExactlyOnce(t *testing.T) {
	c, _, cleanup := setupAlertCache(t)
	defer cleanup()

	primary := &stubChannel{name: "slack", err: errors.New("slack is down")}
	fallback := &stubChannel{name: "webhook"}
	s := newTestService(c, primary, fallback)

	result := s.Dispatch(context.Background(), sampleAlert(), "k1", 5*time.Minute)
	assert.True(t, result.Sent)
	assert.Equal(t, "webhook", result.Channel)
	assert.Equal(t, 1, fallback.count())

	var dispatchErr *models.AlertDispatchError
	require.ErrorAs(t, result.Err, &dispatchErr)
	assert.Equal(t, "slack", dispatchErr.Channel)
}

func TestDispatchBothChannelsFailingDrops(t *testing.T) {
	c, _, cleanup := setupAlertCache(t)
	defer cleanup()

	primary := &stubChannel{name: "slack", err: errors.New("slack is down")}
	fallback := &stubChannel{name: "webhook", err: errors.New("webhook is down")}
	s := newTestService(c, primary, fallback)

	result := s.Dispatch(context.Background(), sampleAlert(), "k1", 5*time.Minute)
	assert.False(t, result.Sent)

	var dispatchErr *models.AlertDispatchError
	require.ErrorAs(t, result.Err, &dispatchErr)
	assert.Equal(t, "webhook", dispatchErr.Channel, "the error reflects the last attempt")
}

func TestDispatchNoChannelsIsNoop(t *testing.T) {
	c, _, cleanup := setupAlertCache(t)
	defer cleanup()

	s := newTestService(c, nil, nil)
	result := s.Dispatch(context.Background(), sampleAlert(), "k1", 5*time.Minute)
	assert.False(t, result.Sent)
	assert.NoError(t, result.Err)
}

func TestSlackChannelSendsBlocks(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, "#governance", zap.NewNop())
	err := ch.Send(context.Background(), sampleAlert())
	require.NoError(t, err)

	var payload SlackWebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "#governance", payload.Channel)
	assert.NotEmpty(t, payload.Blocks)
	assert.Contains(t, payload.Text, "budget violated")
}

func TestSlackChannelRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, "", zap.NewNop())
	err := ch.Send(context.Background(), sampleAlert())
	assert.Error(t, err)
}

func TestWebhookChannelSignsPayload(t *testing.T) {
	var body []byte
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get("X-Governor-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, "s3cret", zap.NewNop())
	err := ch.Send(context.Background(), sampleAlert())
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, signature)
	assert.True(t, VerifySignature(body, signature, "s3cret"))
	assert.False(t, VerifySignature(body, signature, "wrong"))
}
