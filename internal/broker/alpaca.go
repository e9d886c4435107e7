package broker

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
)

// AlpacaBroker implements Client using the Alpaca trading and market data APIs.
type AlpacaBroker struct {
	trading      *alpaca.Client
	data         *marketdata.Client
	fillTimeout  time.Duration
	pollInterval time.Duration
}

// AlpacaConfig holds configuration for the Alpaca broker.
type AlpacaConfig struct {
	APIKey       string
	APISecret    string
	BaseURL      string
	DataURL      string
	FillTimeout  time.Duration
	PollInterval time.Duration
}

// NewAlpacaBroker creates an AlpacaBroker.
func NewAlpacaBroker(cfg AlpacaConfig) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}

	b := &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data:         marketdata.NewClient(dataOpts),
		fillTimeout:  cfg.FillTimeout,
		pollInterval: cfg.PollInterval,
	}
	if b.fillTimeout <= 0 {
		b.fillTimeout = 30 * time.Second
	}
	if b.pollInterval <= 0 {
		b.pollInterval = time.Second
	}
	return b
}

// Name implements Client.
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// GetPrice returns the latest trade price.
func (b *AlpacaBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	trade, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, classifyAlpacaError("latest trade", err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, errors.NewBrokerError(errors.CategoryData, "NO_QUOTE", "no trade for "+symbol, errors.ErrDataNotFound)
	}
	return trade.Price, nil
}

// GetDailyCandles returns daily bars.
func (b *AlpacaBroker) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	bars, err := b.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     from,
		End:       to,
	})
	if err != nil {
		return nil, classifyAlpacaError("get bars", err)
	}

	candles := make([]models.Candle, len(bars))
	for i, bar := range bars {
		candles[i] = models.Candle{
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    int64(bar.Volume),
		}
	}
	return candles, nil
}

// PlaceOrder submits a day order and polls until it reaches a final state.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	qty := decimal.NewFromInt(int64(req.Quantity))
	side := alpaca.Buy
	if req.Side == models.OrderSideSell {
		side = alpaca.Sell
	}

	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == models.OrderTypeLimit && req.Price > 0 {
		limit := decimal.NewFromFloat(req.Price).Round(2)
		placeReq.Type = alpaca.Limit
		placeReq.LimitPrice = &limit
	}

	order, err := b.trading.PlaceOrder(placeReq)
	if err != nil {
		return nil, classifyAlpacaError("place order", err)
	}

	return b.awaitFill(ctx, order.ID)
}

func (b *AlpacaBroker) awaitFill(ctx context.Context, orderID string) (*OrderResult, error) {
	deadline := time.Now().Add(b.fillTimeout)
	result := &OrderResult{OrderID: orderID}

	for {
		order, err := b.trading.GetOrder(orderID)
		if err != nil {
			if cerr := classifyAlpacaError("get order", err); errors.IsFatal(cerr) {
				return nil, cerr
			}
			return b.cancel(orderID, result)
		}
		if done, err := alpacaFinal(order, result); done {
			return result, err
		}

		if time.Now().After(deadline) {
			return b.cancel(orderID, result)
		}
		select {
		case <-ctx.Done():
			if res, err := b.cancel(orderID, result); err != nil {
				return res, err
			}
			return result, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// alpacaFinal copies order into result and reports whether it reached a
// final state.
func alpacaFinal(order *alpaca.Order, result *OrderResult) (bool, error) {
	result.FilledQty = int(order.FilledQty.IntPart())
	if order.FilledAvgPrice != nil {
		result.FilledPrice = order.FilledAvgPrice.InexactFloat64()
	}
	result.Message = order.Status

	switch order.Status {
	case "filled":
		result.Success = true
		return true, nil
	case "rejected":
		return true, errors.NewBrokerError(errors.CategoryRejected, "REJECTED", "order rejected by alpaca", errors.ErrOrderRejected)
	case "canceled", "expired", "done_for_day":
		result.Success = result.FilledQty > 0
		return true, nil
	}
	return false, nil
}

// cancel withdraws an order that is still working and waits until Alpaca
// reports it final, so a retry never runs beside a live order. Shares that
// filled before the cancel took effect stay in the result. An order that
// cannot be confirmed final yields a CategoryUnconfirmed error.
func (b *AlpacaBroker) cancel(orderID string, result *OrderResult) (*OrderResult, error) {
	// A failed cancel usually means the order already finished; the status
	// read below decides
	lastErr := b.trading.CancelOrder(orderID)

	for i := 0; i < cancelPolls; i++ {
		order, err := b.trading.GetOrder(orderID)
		if err == nil {
			if done, ferr := alpacaFinal(order, result); done {
				if ferr == nil && !result.Success {
					result.Message = "canceled before filling"
				}
				return result, ferr
			}
		} else {
			lastErr = err
		}
		time.Sleep(b.pollInterval)
	}

	msg := "order " + orderID + " not final after cancel"
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	return result, errors.NewBrokerError(errors.CategoryUnconfirmed, "CANCEL_UNCONFIRMED", msg, errors.ErrOrderUnconfirmed)
}

// GetBalance returns account cash and open positions.
func (b *AlpacaBroker) GetBalance(ctx context.Context) (*models.Balance, error) {
	account, err := b.trading.GetAccount()
	if err != nil {
		return nil, classifyAlpacaError("get account", err)
	}
	positions, err := b.trading.GetPositions()
	if err != nil {
		return nil, classifyAlpacaError("get positions", err)
	}

	bal := &models.Balance{
		Cash:        account.Cash.InexactFloat64(),
		TotalEquity: account.Equity.InexactFloat64(),
	}
	for _, p := range positions {
		pos := models.BrokerPosition{
			Symbol:       p.Symbol,
			Quantity:     int(p.Qty.IntPart()),
			AveragePrice: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.CurrentPrice != nil {
			pos.LastPrice = p.CurrentPrice.InexactFloat64()
		}
		bal.HoldingsValue += pos.Value()
		bal.Positions = append(bal.Positions, pos)
	}
	return bal, nil
}

func classifyAlpacaError(op string, err error) error {
	var apiErr *alpaca.APIError
	if stderrors.As(err, &apiErr) {
		cat := errors.CategoryFromStatus(apiErr.StatusCode)
		if cat == errors.CategoryRejected && strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
			return errors.NewBrokerError(cat, "INSUFFICIENT_FUNDS", op+": "+apiErr.Message, errors.ErrInsufficientFunds)
		}
		return errors.NewBrokerError(cat, "ALPACA", op+": "+apiErr.Message, err)
	}
	return errors.NewBrokerError(errors.Classify(err), "ALPACA", op, err)
}

var _ Client = (*AlpacaBroker)(nil)
