package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/config"
	"factor-trader/internal/models"
)

type recordingChannel struct {
	name string
	got  []Notification
	err  error
}

func (r *recordingChannel) Name() string    { return r.name }
func (r *recordingChannel) IsEnabled() bool { return true }
func (r *recordingChannel) Send(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func newTestNotifier(level string) (*MultiNotifier, *recordingChannel) {
	mn := NewMultiNotifier(config.NotificationConfig{Enabled: true, Level: level}, zerolog.Nop())
	rec := &recordingChannel{name: "rec"}
	mn.AddChannel(rec)
	return mn, rec
}

func TestLevelFilter(t *testing.T) {
	ctx := context.Background()
	alert := models.RiskAlert{Level: models.RiskHigh, Type: "daily_loss", Message: "down 3%"}

	mn, rec := newTestNotifier("trades_only")
	require.NoError(t, mn.EntryExecuted(ctx, TradeEvent{Symbol: "AAPL", Side: models.OrderSideBuy, Quantity: 3, Price: 100}))
	require.NoError(t, mn.RiskAlert(ctx, alert))
	require.NoError(t, mn.DailySummary(ctx, DailySummary{Date: "2026-03-02"}))
	require.Len(t, rec.got, 1)
	assert.Equal(t, NotificationTrade, rec.got[0].Type)

	mn, rec = newTestNotifier("alerts_only")
	require.NoError(t, mn.EntryExecuted(ctx, TradeEvent{Symbol: "AAPL"}))
	require.NoError(t, mn.RiskAlert(ctx, alert))
	require.NoError(t, mn.OrderFailed(ctx, models.PendingOrder{Symbol: "MSFT", Side: models.OrderSideSell}))
	require.Len(t, rec.got, 2)
	assert.Equal(t, NotificationAlert, rec.got[0].Type)
	assert.Equal(t, NotificationError, rec.got[1].Type)

	mn, rec = newTestNotifier("")
	require.NoError(t, mn.EngineEvent(ctx, "started", "scheduler running"))
	require.Len(t, rec.got, 1)
	assert.False(t, rec.got[0].Timestamp.IsZero())
}

func TestSendCollectsChannelErrors(t *testing.T) {
	mn, rec := newTestNotifier("all")
	failing := &recordingChannel{name: "broken", err: errors.New("boom")}
	mn.AddChannel(failing)

	err := mn.ExitExecuted(context.Background(), TradeEvent{Symbol: "AAPL", Reason: "stop", PnL: -12})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	// Delivery continues past the failing channel's peers.
	assert.Len(t, rec.got, 1)
	assert.Len(t, failing.got, 1)
	assert.Equal(t, []string{"log", "rec", "broken"}, mn.Channels())
}

func TestDisabledConfigKeepsLogChannelOnly(t *testing.T) {
	mn := NewMultiNotifier(config.NotificationConfig{
		Enabled: false,
		Webhook: config.WebhookConfig{Enabled: true, URL: "http://example.invalid"},
	}, zerolog.Nop())
	assert.Equal(t, []string{"log"}, mn.Channels())
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL})
	err := wh.Send(context.Background(), Notification{Type: NotificationAlert, Title: "drawdown", Message: "12%"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "drawdown", payload["title"])
	assert.Equal(t, "alert", payload["type"])
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL})
	err := wh.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelegramSend(t *testing.T) {
	var path string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "123:abc", ChatID: "42"})
	tg.SetBaseURL(srv.URL)

	require.NoError(t, tg.Send(context.Background(), Notification{Title: "P&L <today>", Message: "ok"}))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	assert.Contains(t, body["text"], "<b>P&amp;L &lt;today&gt;</b>")
}

func TestTelegramReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1"})
	tg.SetBaseURL(srv.URL)

	err := tg.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestComposeEmail(t *testing.T) {
	msg := string(composeEmail("bot@example.com", "ops@example.com", Notification{
		Title:   "Order permanently failed",
		Message: "manual handling required",
		Data:    map[string]interface{}{"symbol": "AAPL"},
	}))
	assert.Contains(t, msg, "Subject: [factor-trader] Order permanently failed\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, `"symbol": "AAPL"`)
}

func TestIncompleteChannelsAreDisabled(t *testing.T) {
	assert.False(t, NewWebhookNotifier(config.WebhookConfig{Enabled: true}).IsEnabled())
	assert.False(t, NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "t"}).IsEnabled())
	assert.False(t, NewEmailNotifier(config.EmailConfig{Enabled: true, SMTPHost: "smtp"}).IsEnabled())
}

func TestSendMasksCredentials(t *testing.T) {
	mn, rec := newTestNotifier("")
	require.NoError(t, mn.OrderFailed(context.Background(), models.PendingOrder{
		Symbol:    "AAPL",
		Side:      models.OrderSideBuy,
		LastError: "403 Forbidden: access_token=abcd1234efgh5678 invalid",
	}))
	require.Len(t, rec.got, 1)
	assert.NotContains(t, rec.got[0].Message, "abcd1234efgh5678")
	assert.Contains(t, rec.got[0].Message, "Manual handling required.")
}
