package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/config"
	"factor-trader/internal/engine"
	"factor-trader/internal/resilience"
)

type fakeController struct {
	mu     sync.Mutex
	calls  []string
	reason string
	symbol string
	paused bool
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func ok(action, msg string) engine.ControlResult {
	return engine.ControlResult{Success: true, Action: action, Message: msg}
}

func (f *fakeController) Start() engine.ControlResult {
	f.record("start")
	return ok(engine.ActionStart, "engine started")
}

func (f *fakeController) Stop() engine.ControlResult {
	f.record("stop")
	return ok(engine.ActionStop, "engine stopped")
}

func (f *fakeController) Pause() engine.ControlResult {
	f.record("pause")
	if f.paused {
		return engine.ControlResult{Action: engine.ActionPause, Message: "engine not running"}
	}
	f.paused = true
	return ok(engine.ActionPause, "engine paused")
}

func (f *fakeController) Resume() engine.ControlResult {
	f.record("resume")
	f.paused = false
	return ok(engine.ActionResume, "engine resumed")
}

func (f *fakeController) ForceRebalance(context.Context) engine.ControlResult {
	f.record("rebalance")
	return engine.ControlResult{
		Success: true,
		Action:  engine.ActionRebalance,
		Message: "2 orders queued for the next market open",
		Data:    engine.RebalanceOutcome{Buys: 2},
	}
}

func (f *fakeController) EmergencyStop(_ context.Context, reason string) engine.ControlResult {
	f.record("emergency_stop")
	f.reason = reason
	return ok(engine.ActionEmergencyStop, "emergency stop engaged")
}

func (f *fakeController) ClearEmergency(context.Context) engine.ControlResult {
	f.record("emergency_clear")
	return ok(engine.ActionEmergencyClear, "emergency stop cleared")
}

func (f *fakeController) ClosePosition(_ context.Context, symbol string) engine.ControlResult {
	f.record("close")
	f.symbol = symbol
	return ok(engine.ActionClosePosition, "sold")
}

func (f *fakeController) CloseAll(context.Context) engine.ControlResult {
	f.record("close_all")
	return ok(engine.ActionCloseAll, "closed 0 positions")
}

func (f *fakeController) ClearFailed() engine.ControlResult {
	f.record("clear_failed")
	return engine.ControlResult{Success: true, Action: engine.ActionClearFailed, Message: "cleared 3", Data: 3}
}

func (f *fakeController) Status() engine.ControlResult {
	f.record("status")
	return engine.ControlResult{
		Success: true,
		Action:  engine.ActionStatus,
		Message: "RUNNING",
		Data:    engine.StatusReport{State: engine.StateRunning, Phase: engine.PhaseMarketHours, Cash: 1234.5},
	}
}

func newTestServer(t *testing.T, token string) (*fakeController, *httptest.Server) {
	t.Helper()
	ctrl := &fakeController{}
	srv := NewServer(config.ControlConfig{Token: token}, ctrl, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ctrl, ts
}

func TestClientRoundTripsEveryAction(t *testing.T) {
	ctrl, ts := newTestServer(t, "")
	c := NewClient(ts.URL, "")
	ctx := context.Background()

	calls := []func(context.Context) (*Response, error){
		c.Start, c.Pause, c.Resume, c.Rebalance, c.EmergencyClear, c.CloseAll, c.ClearFailed, c.Stop,
	}
	for _, call := range calls {
		res, err := call(ctx)
		require.NoError(t, err)
		assert.True(t, res.Success, res.Message)
	}
	assert.Equal(t, []string{"start", "pause", "resume", "rebalance", "emergency_clear", "close_all", "clear_failed", "stop"}, ctrl.calls)
}

func TestStatusDecodesReport(t *testing.T) {
	_, ts := newTestServer(t, "")
	res, err := NewClient(ts.URL, "").Status(context.Background())
	require.NoError(t, err)

	var rep engine.StatusReport
	require.NoError(t, res.Decode(&rep))
	assert.Equal(t, engine.StateRunning, rep.State)
	assert.Equal(t, engine.PhaseMarketHours, rep.Phase)
	assert.Equal(t, 1234.5, rep.Cash)
}

func TestRefusedActionIsConflict(t *testing.T) {
	ctrl, ts := newTestServer(t, "")
	ctrl.paused = true

	resp, err := http.Post(ts.URL+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	res, err := NewClient(ts.URL, "").Pause(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "engine not running", res.Message)
}

func TestEmergencyStopAndCloseArguments(t *testing.T) {
	ctrl, ts := newTestServer(t, "")
	c := NewClient(ts.URL, "")
	ctx := context.Background()

	_, err := c.EmergencyStop(ctx, "broker outage")
	require.NoError(t, err)
	assert.Equal(t, "broker outage", ctrl.reason)

	resp, err := http.Post(ts.URL+"/emergency-stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "", ctrl.reason, "missing body uses the engine default")

	_, err = c.ClosePosition(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", ctrl.symbol)

	res, err := c.ClosePosition(ctx, "A;B")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "invalid symbol")
	assert.Equal(t, "AAPL", ctrl.symbol, "invalid symbol never reaches the engine")
}

func TestBearerToken(t *testing.T) {
	ctrl, ts := newTestServer(t, "s3cret")
	ctx := context.Background()

	_, err := NewClient(ts.URL, "").Status(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")

	_, err = NewClient(ts.URL, "wrong").Status(ctx)
	require.Error(t, err)
	assert.Empty(t, ctrl.calls)

	res, err := NewClient(ts.URL, "s3cret").Status(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestUnknownRouteIsError(t *testing.T) {
	_, ts := newTestServer(t, "")
	c := NewClient(ts.URL, "")
	_, err := c.do(context.Background(), http.MethodPost, "/nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := NewServer(config.ControlConfig{Listen: "127.0.0.1:0"}, &fakeController{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.ListenAndServe(ctx))
}

func TestHealthSkipsAuthentication(t *testing.T) {
	hm := resilience.NewHealthMonitor(time.Second)
	var emergency atomic.Bool
	hm.RegisterComponent("engine", resilience.FlagHealthCheck(func() (bool, string) { return emergency.Load(), "halted" }))
	hm.RegisterComponent("ledger", resilience.DatabaseHealthCheck(func(context.Context) error { return nil }))

	srv := NewServer(config.ControlConfig{Token: "s3cret"}, &fakeController{}, zerolog.Nop(), WithHealth(hm))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	get := func() (int, resilience.SystemHealth) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		var h resilience.SystemHealth
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		return resp.StatusCode, h
	}

	code, h := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resilience.HealthStatusHealthy, h.Status)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "engine", h.Components[0].Name)

	emergency.Store(true)
	code, h = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resilience.HealthStatusDegraded, h.Status)
	assert.Equal(t, "halted", h.Components[0].Message)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthRouteIsOptional(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
