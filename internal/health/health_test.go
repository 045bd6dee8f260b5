package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/circuitbreaker"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

type describeFunc func(ctx context.Context) error

func (f describeFunc) Describe(ctx context.Context) error { return f(ctx) }

type staticStates map[string]circuitbreaker.State

func (s staticStates) States() map[string]circuitbreaker.State { return s }

func TestManagerAggregates(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.RegisterChecker(NewOrchestrationHealthChecker(pingFunc(func(context.Context) error { return nil }), nil)))
	require.NoError(t, m.RegisterChecker(NewCircuitBreakerHealthChecker(staticStates{"orchestration:temporal": circuitbreaker.StateClosed})))
	assert.Error(t, m.RegisterChecker(NewOrchestrationHealthChecker(nil, nil)), "duplicate name")

	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusHealthy, d.Overall.Status)
	assert.True(t, d.Overall.Ready)
	assert.Equal(t, 2, d.Summary.Total)
	assert.Equal(t, 1, d.Summary.Critical)
	assert.Equal(t, "orchestration", d.Components["orchestration"].Component)
	assert.True(t, d.Components["orchestration"].Critical)

	cached := m.GetLastHealth()
	assert.Equal(t, StatusHealthy, cached.Overall.Status)
	assert.Len(t, cached.Components, 2)
}

func TestManagerCriticalFailure(t *testing.T) {
	m := NewManager(time.Minute, nil)
	require.NoError(t, m.RegisterChecker(NewKeyProviderHealthChecker(describeFunc(func(context.Context) error {
		return errors.New("key disabled")
	}), "alias/callbacks")))
	require.NoError(t, m.RegisterChecker(NewCircuitBreakerHealthChecker(staticStates{"keyprovider:kms": circuitbreaker.StateOpen})))

	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, d.Overall.Status)
	assert.False(t, d.Overall.Ready)
	assert.True(t, d.Overall.Live)
	kp := d.Components["key_provider"]
	assert.Equal(t, "key disabled", kp.Error)
	assert.Equal(t, "alias/callbacks", kp.Details["key_id"])
	assert.Equal(t, StatusDegraded, d.Components["circuit_breakers"].Status)
	assert.Equal(t, "open", d.Components["circuit_breakers"].Details["keyprovider:kms"])
}

func TestNonCriticalDegradation(t *testing.T) {
	m := NewManager(time.Minute, nil)
	require.NoError(t, m.RegisterChecker(NewCircuitBreakerHealthChecker(staticStates{"activities:webhook": circuitbreaker.StateHalfOpen})))
	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusDegraded, d.Overall.Status)
	assert.True(t, d.Overall.Ready)
}

func TestOrchestrationCheckerOpenBreaker(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker("test", circuitbreaker.Config{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 1, SuccessThreshold: 1}, zap.NewNop())
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.True(t, cb.IsOpen())

	called := false
	c := NewOrchestrationHealthChecker(pingFunc(func(context.Context) error { called = true; return nil }), cb)
	r := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.False(t, called)
}

func TestWebhookCheckerFollowsBreaker(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker("webhook", circuitbreaker.Config{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2, SuccessThreshold: 1}, zap.NewNop())
	c := NewWebhookHealthChecker(cb)
	assert.False(t, c.IsCritical())

	_ = cb.Execute(context.Background(), func() error { return errors.New("receiver down") })
	r := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, uint32(1), r.Details["consecutive_failures"])

	_ = cb.Execute(context.Background(), func() error { return errors.New("receiver down") })
	require.True(t, cb.IsOpen())
	r = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "open", r.Details["state"])

	m := NewManager(time.Minute, nil)
	require.NoError(t, m.RegisterChecker(c))
	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusDegraded, d.Overall.Status)
	assert.True(t, d.Overall.Ready)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(time.Minute, nil)
	healthy := true
	require.NoError(t, m.RegisterChecker(NewOrchestrationHealthChecker(pingFunc(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("unreachable")
	}), nil)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, nil).RegisterRoutes(mux)
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	rec := get("/health/detailed?cached=true")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	overall := body["overall"].(map[string]any)
	assert.Equal(t, "unhealthy", overall["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(10*time.Millisecond, nil)
	require.NoError(t, m.RegisterChecker(NewOrchestrationHealthChecker(pingFunc(func(context.Context) error { return nil }), nil)))
	m.Start(context.Background())
	m.Start(context.Background())
	assert.Eventually(t, func() bool { return len(m.GetLastHealth().Components) == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}
