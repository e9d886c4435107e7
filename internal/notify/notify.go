// Package notify delivers engine events to operators.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"factor-trader/internal/config"
	"factor-trader/internal/models"
	"factor-trader/internal/security"
	"factor-trader/pkg/utils"
)

// Notifier is the event boundary the engine reports through.
type Notifier interface {
	EntryExecuted(ctx context.Context, e TradeEvent) error
	ExitExecuted(ctx context.Context, e TradeEvent) error
	RiskAlert(ctx context.Context, a models.RiskAlert) error
	RebalanceCompleted(ctx context.Context, s RebalanceSummary) error
	OrderFailed(ctx context.Context, o models.PendingOrder) error
	DailySummary(ctx context.Context, s DailySummary) error
	EngineEvent(ctx context.Context, title, message string) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade   NotificationType = "trade"
	NotificationAlert   NotificationType = "alert"
	NotificationError   NotificationType = "error"
	NotificationSummary NotificationType = "summary"
	NotificationInfo    NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelAlertsOnly NotificationLevel = "alerts_only"
)

// TradeEvent describes an executed entry or exit.
type TradeEvent struct {
	OrderID    string
	Symbol     string
	Side       models.OrderSide
	Quantity   int
	Price      float64
	Reason     string
	PnL        float64
	PnLPercent float64
	Time       time.Time
}

// RebalanceSummary reports an executed rebalance.
type RebalanceSummary struct {
	Date     string
	Sells    int
	Buys     int
	Failed   int
	Deferred int
	Urgent   bool
	Targets  []string
}

// DailySummary represents the end-of-day report.
type DailySummary struct {
	Date        string
	Equity      float64
	Cash        float64
	DailyPnL    float64
	DailyReturn float64
	Drawdown    float64
	Positions   int
	Trades      int
	Alerts      int
	Discrepancy string
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a MultiNotifier with a log channel plus every
// enabled external channel.
func NewMultiNotifier(cfg config.NotificationConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{
		channels: []NotificationChannel{NewLogNotifier(logger)},
		level:    NotificationLevel(cfg.Level),
	}

	if mn.level == "" {
		mn.level = LevelAll
	}
	if !cfg.Enabled {
		return mn
	}

	// Add enabled channels
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Email.Enabled {
		mn.channels = append(mn.channels, NewEmailNotifier(cfg.Email))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of the configured channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	names := make([]string, 0, len(mn.channels))
	for _, ch := range mn.channels {
		names = append(names, ch.Name())
	}
	return names
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade
	case LevelAlertsOnly:
		return notifType == NotificationAlert || notifType == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels. A failing channel does
// not stop delivery to the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	// Broker errors are forwarded verbatim and may echo credentials
	n.Message = security.MaskSensitive(n.Message)

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func tradeData(e TradeEvent) map[string]interface{} {
	return map[string]interface{}{
		"order_id":    e.OrderID,
		"symbol":      e.Symbol,
		"side":        e.Side,
		"quantity":    e.Quantity,
		"price":       e.Price,
		"reason":      e.Reason,
		"pnl":         e.PnL,
		"pnl_percent": e.PnLPercent,
	}
}

// EntryExecuted implements Notifier.
func (mn *MultiNotifier) EntryExecuted(ctx context.Context, e TradeEvent) error {
	return mn.Send(ctx, Notification{
		Type:  NotificationTrade,
		Title: fmt.Sprintf("Entry: BUY %s", e.Symbol),
		Message: fmt.Sprintf("Bought %s %s at %s\nValue: %s\nReason: %s",
			utils.FormatQuantity(int64(e.Quantity)), e.Symbol, utils.FormatMoney(e.Price),
			utils.FormatMoney(e.Price*float64(e.Quantity)), e.Reason),
		Data:      tradeData(e),
		Timestamp: e.Time,
	})
}

// ExitExecuted implements Notifier.
func (mn *MultiNotifier) ExitExecuted(ctx context.Context, e TradeEvent) error {
	return mn.Send(ctx, Notification{
		Type:  NotificationTrade,
		Title: fmt.Sprintf("Exit: SELL %s (%s)", e.Symbol, e.Reason),
		Message: fmt.Sprintf("Sold %s %s at %s\nP&L: %s (%s)\nReason: %s",
			utils.FormatQuantity(int64(e.Quantity)), e.Symbol, utils.FormatMoney(e.Price),
			utils.FormatPnL(e.PnL), utils.FormatPercent(e.PnLPercent), e.Reason),
		Data:      tradeData(e),
		Timestamp: e.Time,
	})
}

// RiskAlert implements Notifier.
func (mn *MultiNotifier) RiskAlert(ctx context.Context, a models.RiskAlert) error {
	msg := a.Message
	if a.Action != "" {
		msg += "\nAction: " + a.Action
	}
	return mn.Send(ctx, Notification{
		Type:    NotificationAlert,
		Title:   fmt.Sprintf("[%s] Risk: %s", a.Level, a.Type),
		Message: msg,
		Data: map[string]interface{}{
			"level":     a.Level.String(),
			"type":      a.Type,
			"symbol":    a.Symbol,
			"sector":    a.Sector,
			"value":     a.Value,
			"threshold": a.Threshold,
			"action":    a.Action,
		},
		Timestamp: a.Timestamp,
	})
}

// RebalanceCompleted implements Notifier.
func (mn *MultiNotifier) RebalanceCompleted(ctx context.Context, s RebalanceSummary) error {
	title := "Rebalance completed " + s.Date
	if s.Urgent {
		title += " (empty portfolio)"
	}
	return mn.Send(ctx, Notification{
		Type:  NotificationTrade,
		Title: title,
		Message: fmt.Sprintf("Sells: %d | Buys: %d | Failed: %d | Deferred: %d\nTargets: %s",
			s.Sells, s.Buys, s.Failed, s.Deferred, strings.Join(s.Targets, ", ")),
		Data: map[string]interface{}{
			"date":     s.Date,
			"sells":    s.Sells,
			"buys":     s.Buys,
			"failed":   s.Failed,
			"deferred": s.Deferred,
			"urgent":   s.Urgent,
			"targets":  s.Targets,
		},
	})
}

// OrderFailed implements Notifier.
func (mn *MultiNotifier) OrderFailed(ctx context.Context, o models.PendingOrder) error {
	return mn.Send(ctx, Notification{
		Type:  NotificationError,
		Title: fmt.Sprintf("Order permanently failed: %s %s", o.Side, o.Symbol),
		Message: fmt.Sprintf("%s %s x%d (%s)\nRetries: %d, requeues: %d\nLast error: %s\nManual handling required.",
			o.Side, o.Symbol, o.Quantity, o.Reason, o.RetryCount, o.RequeueCount, o.LastError),
		Data: map[string]interface{}{
			"order_id":      o.ID,
			"symbol":        o.Symbol,
			"side":          o.Side,
			"quantity":      o.Quantity,
			"reason":        o.Reason,
			"retry_count":   o.RetryCount,
			"requeue_count": o.RequeueCount,
			"last_error":    o.LastError,
		},
	})
}

// DailySummary implements Notifier.
func (mn *MultiNotifier) DailySummary(ctx context.Context, s DailySummary) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Equity: %s\n", utils.FormatMoney(s.Equity)))
	sb.WriteString(fmt.Sprintf("Cash: %s\n", utils.FormatMoney(s.Cash)))
	sb.WriteString(fmt.Sprintf("Day P&L: %s (%s)\n", utils.FormatPnL(s.DailyPnL), utils.FormatPercent(s.DailyReturn*100)))
	sb.WriteString(fmt.Sprintf("Drawdown: %s\n", utils.FormatPercent(-s.Drawdown*100)))
	sb.WriteString(fmt.Sprintf("Positions: %d | Trades: %d | Alerts: %d", s.Positions, s.Trades, s.Alerts))
	if s.Discrepancy != "" {
		sb.WriteString("\nReconciliation: " + s.Discrepancy)
	}

	return mn.Send(ctx, Notification{
		Type:    NotificationSummary,
		Title:   "Daily Summary - " + s.Date,
		Message: sb.String(),
		Data: map[string]interface{}{
			"date":         s.Date,
			"equity":       s.Equity,
			"cash":         s.Cash,
			"daily_pnl":    s.DailyPnL,
			"daily_return": s.DailyReturn,
			"drawdown":     s.Drawdown,
			"positions":    s.Positions,
			"trades":       s.Trades,
		},
	})
}

// EngineEvent implements Notifier.
func (mn *MultiNotifier) EngineEvent(ctx context.Context, title, message string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationInfo,
		Title:   title,
		Message: message,
	})
}

// NoOpNotifier is a notifier that does nothing (for testing or disabled notifications).
type NoOpNotifier struct{}

func (NoOpNotifier) EntryExecuted(context.Context, TradeEvent) error            { return nil }
func (NoOpNotifier) ExitExecuted(context.Context, TradeEvent) error             { return nil }
func (NoOpNotifier) RiskAlert(context.Context, models.RiskAlert) error          { return nil }
func (NoOpNotifier) RebalanceCompleted(context.Context, RebalanceSummary) error { return nil }
func (NoOpNotifier) OrderFailed(context.Context, models.PendingOrder) error     { return nil }
func (NoOpNotifier) DailySummary(context.Context, DailySummary) error           { return nil }
func (NoOpNotifier) EngineEvent(context.Context, string, string) error          { return nil }

var (
	_ Notifier = (*MultiNotifier)(nil)
	_ Notifier = NoOpNotifier{}
)
