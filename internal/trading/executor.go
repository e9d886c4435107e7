package trading

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"factor-trader/internal/broker"
	"factor-trader/internal/config"
	"factor-trader/internal/errors"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
	"factor-trader/internal/notify"
	"factor-trader/internal/state"
	"factor-trader/pkg/utils"
)

// ExecutionReport summarizes one pass over the order queues.
type ExecutionReport struct {
	Sells     int // orders fully filled
	Buys      int
	Deferred  int // buys held back by risk, cash or quotes
	Failed    int // moved to the failed queue
	Permanent int // moved to the permanently failed list
	Dropped   int // sells with nothing left to sell
	Errors    []string
}

// Placed reports whether anything executed.
func (r ExecutionReport) Placed() int {
	return r.Sells + r.Buys
}

// ExitResult describes a submitted exit.
type ExitResult struct {
	OrderID   string
	Symbol    string
	Requested int
	Filled    int
	AvgPrice  float64
	PnL       float64
	Closed    bool // no quantity left in the position
}

// Executor places orders through the broker and commits fills to the state
// store. Broker calls never run under a store lock.
type Executor struct {
	broker   broker.Client
	store    *state.Store
	risk     RiskGate
	ledger   Ledger
	notifier notify.Notifier
	cfg      config.ExecutionConfig
	rules    ExitRules
	retry    utils.RetryPolicy
	requeue  utils.RetryPolicy
	logger   zerolog.Logger
	now      func() time.Time

	// serializes order placement between the scheduler and manual controls
	mu sync.Mutex
}

// NewExecutor creates an Executor. ledger and gate may be nil.
func NewExecutor(b broker.Client, st *state.Store, gate RiskGate, ledger Ledger, n notify.Notifier,
	cfg config.ExecutionConfig, rules ExitRules, logger zerolog.Logger) *Executor {
	if n == nil {
		n = notify.NoOpNotifier{}
	}
	return &Executor{
		broker:   b,
		store:    st,
		risk:     gate,
		ledger:   ledger,
		notifier: n,
		cfg:      cfg,
		rules:    rules,
		retry:    cfg.Retry.Policy("order", errors.IsRetryable),
		requeue:  cfg.RequeueRetry.Policy("requeue", errors.IsRetryable),
		logger:   logging.WithComponent(logger, "executor"),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// RetryPolicy returns the per-order policy.
func (e *Executor) RetryPolicy() utils.RetryPolicy {
	return e.retry
}

func splitSides(orders []models.PendingOrder) (sells, buys []models.PendingOrder) {
	for _, o := range orders {
		if o.Side == models.OrderSideSell {
			sells = append(sells, o)
		} else {
			buys = append(buys, o)
		}
	}
	return sells, buys
}

// ExecutePending places every pending order: sells first, then a settlement
// pause if anything was sold, then buys. An auth failure aborts the pass and
// is returned; every other failure is recorded on the order.
func (e *Executor) ExecutePending(ctx context.Context) (ExecutionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rep ExecutionReport
	sells, buys := splitSides(e.store.PendingOrders())

	sold := 0
	for _, o := range sells {
		if !e.prepareSell(&o, &rep) {
			continue
		}
		n, err := e.runOrder(ctx, o, e.retry, false, &rep)
		sold += n
		if err != nil {
			return rep, err
		}
	}

	if sold > 0 && len(buys) > 0 && e.cfg.SettlementPause > 0 {
		e.logger.Debug().Dur("pause", e.cfg.SettlementPause).Msg("Waiting for sell settlement")
		if err := utils.Sleep(ctx, e.cfg.SettlementPause); err != nil {
			return rep, err
		}
	}

	for _, o := range buys {
		ready, err := e.prepareBuy(ctx, &o, false, &rep)
		if err != nil {
			return rep, err
		}
		if !ready {
			continue
		}
		if _, err := e.runOrder(ctx, o, e.retry, false, &rep); err != nil {
			return rep, err
		}
	}

	return rep, nil
}

// ReplayFailed gives every order in the failed queue one more pass with the
// requeue budget. An order that fails again is marked permanently failed.
func (e *Executor) ReplayFailed(ctx context.Context) (ExecutionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rep ExecutionReport
	failed := e.store.FailedOrders()
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].Side == models.OrderSideSell && failed[j].Side != models.OrderSideSell
	})

	for _, o := range failed {
		if o.Side == models.OrderSideBuy {
			ready, err := e.prepareBuy(ctx, &o, true, &rep)
			if err != nil {
				return rep, err
			}
			if !ready {
				continue
			}
		} else if !e.prepareSell(&o, &rep) {
			continue
		}

		o.RequeueCount++
		o.RetryCount = 0
		e.store.UpdateOrder(o.ID, func(po *models.PendingOrder) {
			po.RequeueCount = o.RequeueCount
			po.RetryCount = 0
		})
		logging.LogOrder(e.logger, o.ID, o.Symbol, string(o.Side), "REQUEUED")
		e.persist()

		if _, err := e.runOrder(ctx, o, e.requeue, true, &rep); err != nil {
			return rep, err
		}
	}

	return rep, nil
}

// SubmitExit sells qty of symbol (the whole position when qty is zero or
// larger than the holding). It uses the order retry budget but never queues:
// a failed exit is returned and the caller decides when to try again.
func (e *Executor) SubmitExit(ctx context.Context, symbol string, qty int, reason string) (ExitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.store.Position(symbol)
	if !ok {
		return ExitResult{Symbol: symbol}, fmt.Errorf("exit %s: %w", symbol, errors.ErrPositionNotFound)
	}
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}

	now := e.now()
	o := models.PendingOrder{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Name:      pos.Name,
		Sector:    pos.Sector,
		Side:      models.OrderSideSell,
		Type:      models.OrderTypeMarket,
		Quantity:  qty,
		Reason:    reason,
		Source:    models.SourceExit,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	out := ExitResult{OrderID: o.ID, Symbol: symbol, Requested: qty}
	p, err := e.place(ctx, &o, e.retry, false)
	out.Filled = p.filled
	out.PnL = p.pnl
	if p.filled > 0 {
		out.AvgPrice = p.value / float64(p.filled)
	}
	_, still := e.store.Position(symbol)
	out.Closed = !still

	if err != nil {
		return out, fmt.Errorf("exit %s (%s): %w", symbol, reason, err)
	}
	return out, nil
}

// prepareSell clamps a queued sell to the shares still held. Exits can sell
// part or all of a position after the order was queued; an order with
// nothing left to sell is dropped.
func (e *Executor) prepareSell(o *models.PendingOrder, rep *ExecutionReport) bool {
	held := 0
	if pos, ok := e.store.Position(o.Symbol); ok {
		held = pos.Quantity
	}
	if held <= 0 {
		rep.Dropped++
		e.store.RemoveOrder(o.ID)
		e.persist()
		logging.LogOrder(e.logger, o.ID, o.Symbol, string(o.Side), "DROPPED")
		return false
	}
	if o.Quantity > held {
		e.logger.Info().
			Str("symbol", o.Symbol).
			Int("queued", o.Quantity).
			Int("held", held).
			Msg("Sell clamped to holding")
		o.Quantity = held
		e.store.UpdateOrder(o.ID, func(po *models.PendingOrder) {
			po.Quantity = held
		})
	}
	return true
}

// prepareBuy applies the risk gate, re-prices the order with a fresh quote
// and caps it by available cash. It returns false when the order should not
// be placed now.
func (e *Executor) prepareBuy(ctx context.Context, o *models.PendingOrder, replay bool, rep *ExecutionReport) (bool, error) {
	if e.risk != nil {
		if ok, reason := e.risk.CanTrade(); !ok {
			e.deferOrder(o, "risk: "+reason, rep)
			return false, nil
		}
	}

	price, _, err := utils.RetryWithResult(ctx, e.retry, func(int) (float64, error) {
		return e.broker.GetPrice(ctx, o.Symbol)
	})
	if err != nil {
		return false, e.fail(ctx, *o, fmt.Errorf("quote: %w", err), replay, rep)
	}

	available := e.store.Cash() * (1 - e.cfg.CashBuffer)
	maxQty := int(math.Floor(available / price))
	if maxQty <= 0 {
		e.deferOrder(o, fmt.Sprintf("insufficient cash %s for %s", utils.FormatMoney(available), o.Symbol), rep)
		return false, nil
	}
	if o.Quantity > maxQty {
		e.logger.Info().
			Str("symbol", o.Symbol).
			Int("planned", o.Quantity).
			Int("capped", maxQty).
			Msg("Buy capped by available cash")
		o.Quantity = maxQty
	}

	o.Type = models.OrderTypeMarket
	o.Price = 0
	if e.cfg.UseLimitOrders {
		o.Type = models.OrderTypeLimit
		o.Price = math.Round(price*(1+e.cfg.LimitSlippage)*100) / 100
	}

	qty, typ, limit := o.Quantity, o.Type, o.Price
	e.store.UpdateOrder(o.ID, func(po *models.PendingOrder) {
		po.Quantity = qty
		po.Type = typ
		po.Price = limit
	})
	return true, nil
}

func (e *Executor) deferOrder(o *models.PendingOrder, reason string, rep *ExecutionReport) {
	rep.Deferred++
	e.store.UpdateOrder(o.ID, func(po *models.PendingOrder) {
		po.LastError = "deferred: " + reason
	})
	e.logger.Info().Str("symbol", o.Symbol).Str("order_id", o.ID).Str("reason", reason).Msg("Buy deferred")
}

// runOrder places o and files it according to the outcome. Only auth
// failures are returned.
func (e *Executor) runOrder(ctx context.Context, o models.PendingOrder, policy utils.RetryPolicy, replay bool, rep *ExecutionReport) (int, error) {
	p, err := e.place(ctx, &o, policy, true)
	if err == nil {
		if o.Side == models.OrderSideSell {
			rep.Sells++
		} else {
			rep.Buys++
		}
		return p.filled, nil
	}
	return p.filled, e.fail(ctx, o, err, replay, rep)
}

// fail routes a failed order: auth errors leave it pending and surface,
// rejections are final, and transient failures go to the failed queue (or
// become final on replay).
func (e *Executor) fail(ctx context.Context, o models.PendingOrder, err error, replay bool, rep *ExecutionReport) error {
	msg := err.Error()
	rep.Errors = append(rep.Errors, fmt.Sprintf("%s %s: %s", o.Side, o.Symbol, msg))

	switch cat := errors.Classify(err); {
	case cat == errors.CategoryAuth:
		logging.LogOrder(e.logger, o.ID, o.Symbol, string(o.Side), "AUTH_FAILED")
		return fmt.Errorf("%s %s: %w", o.Side, o.Symbol, err)
	case cat == errors.CategoryRejected || cat == errors.CategoryData || replay:
		e.permanentlyFail(ctx, o.ID, msg, rep)
	default:
		if e.store.MoveToFailed(o.ID, msg) {
			rep.Failed++
			e.persist()
			logging.LogOrder(e.logger, o.ID, o.Symbol, string(o.Side), string(models.OrderStatusFailed))
		}
	}
	return nil
}

func (e *Executor) permanentlyFail(ctx context.Context, id, msg string, rep *ExecutionReport) {
	po, ok := e.store.MarkPermanentlyFailed(id, msg)
	if !ok {
		return
	}
	rep.Permanent++
	e.persist()
	logging.LogOrder(e.logger, po.ID, po.Symbol, string(po.Side), string(models.OrderStatusPermanentlyFailed))
	if err := e.notifier.OrderFailed(ctx, po); err != nil {
		e.logger.Warn().Err(err).Str("order_id", po.ID).Msg("Failed to send order failure notification")
	}
}

// persist flushes the state file after a fill or a queue move.
func (e *Executor) persist() {
	if err := e.store.Save(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to save state")
	}
}

type placement struct {
	filled int
	value  float64
	pnl    float64
}

// place submits o under policy until it is completely filled. Fills are
// committed as they arrive, so a partial fill shrinks o and the remainder is
// retried. When track is set every failed attempt is recorded on the stored
// order.
func (e *Executor) place(ctx context.Context, o *models.PendingOrder, policy utils.RetryPolicy, track bool) (placement, error) {
	var p placement
	log := logging.WithOrderID(logging.WithSymbol(e.logger, o.Symbol), o.ID)

	_, err := utils.Retry(ctx, policy, func(attempt int) error {
		req := broker.OrderRequest{
			ClientOrderID: fmt.Sprintf("%s-%d-%d", o.ID, o.RequeueCount, attempt),
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          o.Type,
			Quantity:      o.Quantity,
			Price:         o.Price,
		}

		res, err := e.broker.PlaceOrder(ctx, req)
		switch {
		case err == nil:
			err = e.settle(ctx, o, res, &p)
		case res.Filled():
			// The adapter gave up on an order that partly executed
			_ = e.settle(ctx, o, res, &p)
		}
		if err == nil {
			return nil
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Str("category", errors.Classify(err).String()).
			Msg("Order attempt failed")

		if track {
			o.RetryCount++
			o.LastError = err.Error()
			count, last := o.RetryCount, o.LastError
			e.store.UpdateOrder(o.ID, func(po *models.PendingOrder) {
				po.RetryCount = count
				po.LastError = last
			})
		}
		return err
	})
	return p, err
}

// settle commits whatever res filled. An unfilled or partially filled result
// is reported as a retryable error.
func (e *Executor) settle(ctx context.Context, o *models.PendingOrder, res *broker.OrderResult, p *placement) error {
	if !res.Filled() {
		msg := "order not filled"
		if res != nil && res.Message != "" {
			msg += ": " + res.Message
		}
		return errors.NewBrokerError(errors.CategoryTimeout, "UNFILLED", msg, errors.ErrTimeout)
	}

	qty := res.FilledQty
	if qty > o.Quantity {
		qty = o.Quantity
	}
	fr := e.applyFill(ctx, *o, res.OrderID, qty, res.FilledPrice)
	p.filled += qty
	p.value += float64(qty) * res.FilledPrice
	if fr.Closed != nil {
		p.pnl += fr.Closed.PnL
	}

	if qty < o.Quantity {
		o.Quantity -= qty
		return errors.NewBrokerError(errors.CategoryTimeout, "PARTIAL_FILL",
			fmt.Sprintf("filled %d, %d remaining", qty, o.Quantity), errors.ErrTimeout)
	}
	return nil
}

// applyFill commits one fill and then, outside the store locks, records it
// in the ledger, feeds the risk monitor and notifies.
func (e *Executor) applyFill(ctx context.Context, o models.PendingOrder, brokerOrderID string, qty int, price float64) state.FillResult {
	fill := models.Fill{
		OrderID:       o.ID,
		BrokerOrderID: brokerOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      qty,
		Price:         price,
		Reason:        o.Reason,
		Time:          e.now(),
	}

	if o.Side == models.OrderSideBuy {
		lv := e.rules.InitialLevels(price, o.ATR)
		o.StopLoss, o.TakeProfit1, o.TakeProfit2 = lv.StopLoss, lv.TakeProfit1, lv.TakeProfit2
	}

	fr, err := e.store.CommitFill(o, fill)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", o.Symbol).Str("order_id", o.ID).Msg("Fill committed with inconsistency")
	}
	// On disk before the next order goes out, so a restart never re-places it
	e.persist()
	logging.LogFill(e.logger, o.Symbol, string(o.Side), qty, price, o.Reason)

	if e.ledger != nil {
		rec := models.TransactionRecord{
			OrderID:       o.ID,
			BrokerOrderID: brokerOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Quantity:      qty,
			Price:         price,
			Amount:        fill.Amount(),
			Reason:        o.Reason,
			ExecutedAt:    fill.Time,
		}
		if fr.Closed != nil {
			rec.RealizedPnL = fr.Closed.PnL
		}
		if err := e.ledger.RecordTransaction(ctx, rec); err != nil {
			e.logger.Error().Err(err).Str("order_id", o.ID).Msg("Failed to record transaction")
		}
	}

	ev := notify.TradeEvent{
		OrderID:  o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: qty,
		Price:    price,
		Reason:   o.Reason,
		Time:     fill.Time,
	}

	if fr.Closed == nil {
		if err := e.notifier.EntryExecuted(ctx, ev); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to send entry notification")
		}
		return fr
	}

	ev.PnL, ev.PnLPercent = fr.Closed.PnL, fr.Closed.PnLPercent
	if err := e.notifier.ExitExecuted(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to send exit notification")
	}
	if e.risk != nil {
		if alert := e.risk.RecordTrade(*fr.Closed); alert != nil {
			if err := e.notifier.RiskAlert(ctx, *alert); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to send risk alert")
			}
		}
	}
	return fr
}
