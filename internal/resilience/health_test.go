package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) ComponentHealth {
	return ComponentHealth{Status: HealthStatusHealthy}
}

func TestCheckReportsWorstComponent(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("b", healthy)
	m.RegisterComponent("a", FlagHealthCheck(func() (bool, string) { return true, "emergency stop" }))

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "a", h.Components[0].Name)
	assert.Equal(t, "emergency stop", h.Components[0].Message)
	assert.Equal(t, "b", h.Components[1].Name)

	m.RegisterComponent("c", DatabaseHealthCheck(func(context.Context) error { return errors.New("disk I/O error") }))
	h = m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Contains(t, h.Components[2].Message, "disk I/O error")
}

func TestCheckRecoversPanicsAndTimeouts(t *testing.T) {
	m := NewHealthMonitor(20 * time.Millisecond)
	m.RegisterComponent("panics", func(context.Context) ComponentHealth { panic("boom") })
	m.RegisterComponent("slow", func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ComponentHealth{Status: HealthStatusHealthy}
	})

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Equal(t, "panics", h.Components[0].Name)
	assert.Contains(t, h.Components[0].Message, "boom")
	assert.Equal(t, "slow", h.Components[1].Name)
	assert.Equal(t, "check timed out", h.Components[1].Message)
}

func TestBreakerHealthCheck(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)
	check := BreakerHealthCheck(cb)
	ctx := context.Background()

	assert.Equal(t, HealthStatusHealthy, check(ctx).Status)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errTransient))
	}
	h := check(ctx)
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Contains(t, h.Message, "circuit open")
}

func TestHealthHTTPHandler(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("ledger", healthy)

	rec := httptest.NewRecorder()
	m.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"HEALTHY"`)

	m.RegisterComponent("broker", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "circuit open"}
	})
	rec = httptest.NewRecorder()
	m.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
