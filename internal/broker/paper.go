package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
)

// PaperBroker simulates a brokerage account. Quotes come from the price cache
// or, when configured, from a real market data source.
type PaperBroker struct {
	data MarketData

	// Simulated state
	positions map[string]*models.BrokerPosition
	cash      float64

	// Order tracking
	orders       map[string]*OrderResult
	orderCounter int

	// Price cache for simulation
	priceCache map[string]float64
	candles    map[string][]models.Candle

	// Injected failures, consumed one per call
	faults map[string][]error

	mu sync.RWMutex
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	Data        MarketData
	InitialCash float64
}

// Operations that accept injected faults.
const (
	OpPrice   = "price"
	OpCandles = "candles"
	OpOrder   = "order"
	OpBalance = "balance"
)

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	cash := cfg.InitialCash
	if cash == 0 {
		cash = 100000
	}

	return &PaperBroker{
		data:       cfg.Data,
		positions:  make(map[string]*models.BrokerPosition),
		cash:       cash,
		orders:     make(map[string]*OrderResult),
		priceCache: make(map[string]float64),
		candles:    make(map[string][]models.Candle),
		faults:     make(map[string][]error),
	}
}

// Name implements Client.
func (p *PaperBroker) Name() string {
	return "paper"
}

// InjectFault queues errors returned by the next calls of op.
func (p *PaperBroker) InjectFault(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], errs...)
}

func (p *PaperBroker) nextFault(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.faults[op]
	if len(queue) == 0 {
		return nil
	}
	p.faults[op] = queue[1:]
	return queue[0]
}

// SetPrice updates the cached price for a symbol.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[symbol] = price
	if pos, ok := p.positions[symbol]; ok {
		pos.LastPrice = price
	}
}

// SetCandles stores daily history for a symbol; the last close becomes the price.
func (p *PaperBroker) SetCandles(symbol string, candles []models.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = candles
	if len(candles) > 0 {
		p.priceCache[symbol] = candles[len(candles)-1].Close
	}
}

// GetPrice returns the cached price, falling back to the data source.
func (p *PaperBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := p.nextFault(OpPrice); err != nil {
		return 0, err
	}

	p.mu.RLock()
	price, ok := p.priceCache[symbol]
	p.mu.RUnlock()
	if ok && price > 0 {
		return price, nil
	}

	if p.data != nil {
		price, err := p.data.GetPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		p.SetPrice(symbol, price)
		return price, nil
	}
	return 0, errors.NewBrokerError(errors.CategoryData, "NO_QUOTE", "no quote for "+symbol, errors.ErrDataNotFound)
}

// GetDailyCandles returns stored history, falling back to the data source.
func (p *PaperBroker) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	if err := p.nextFault(OpCandles); err != nil {
		return nil, err
	}

	p.mu.RLock()
	stored, ok := p.candles[symbol]
	p.mu.RUnlock()
	if ok {
		out := make([]models.Candle, 0, len(stored))
		for _, c := range stored {
			if !c.Timestamp.Before(from) && !c.Timestamp.After(to) {
				out = append(out, c)
			}
		}
		return out, nil
	}

	if p.data != nil {
		return p.data.GetDailyCandles(ctx, symbol, from, to)
	}
	return nil, errors.NewBrokerError(errors.CategoryData, "NO_HISTORY", "no history for "+symbol, errors.ErrDataNotFound)
}

// PlaceOrder simulates an immediate fill at the current price.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := p.nextFault(OpOrder); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, errors.NewBrokerError(errors.CategoryRejected, "INVALID_QTY",
			fmt.Sprintf("invalid quantity %d", req.Quantity), errors.ErrInvalidOrder)
	}

	price, err := p.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Generate order ID
	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)

	// Limit orders that would not cross stay unfilled
	if req.Type == models.OrderTypeLimit && req.Price > 0 {
		if (req.Side == models.OrderSideBuy && price > req.Price) || (req.Side == models.OrderSideSell && price < req.Price) {
			res := &OrderResult{OrderID: orderID, Success: false, Message: "limit not marketable"}
			p.orders[orderID] = res
			return res, nil
		}
	}

	orderValue := price * float64(req.Quantity)
	switch req.Side {
	case models.OrderSideBuy:
		if p.cash < orderValue {
			return nil, errors.NewBrokerError(errors.CategoryRejected, "INSUFFICIENT_FUNDS",
				fmt.Sprintf("insufficient funds: need %.2f, have %.2f", orderValue, p.cash), errors.ErrInsufficientFunds)
		}
		p.cash -= orderValue
		pos, ok := p.positions[req.Symbol]
		if !ok {
			pos = &models.BrokerPosition{Symbol: req.Symbol}
			p.positions[req.Symbol] = pos
		}
		totalValue := pos.AveragePrice*float64(pos.Quantity) + orderValue
		pos.Quantity += req.Quantity
		pos.AveragePrice = totalValue / float64(pos.Quantity)
		pos.LastPrice = price
	case models.OrderSideSell:
		pos, ok := p.positions[req.Symbol]
		if !ok || pos.Quantity < req.Quantity {
			held := 0
			if ok {
				held = pos.Quantity
			}
			return nil, errors.NewBrokerError(errors.CategoryRejected, "INSUFFICIENT_HOLDINGS",
				fmt.Sprintf("cannot sell %d %s, holding %d", req.Quantity, req.Symbol, held), errors.ErrOrderRejected)
		}
		p.cash += orderValue
		pos.Quantity -= req.Quantity
		if pos.Quantity == 0 {
			delete(p.positions, req.Symbol)
		}
	default:
		return nil, errors.NewBrokerError(errors.CategoryRejected, "INVALID_SIDE", "invalid side "+string(req.Side), errors.ErrInvalidOrder)
	}

	res := &OrderResult{
		OrderID:     orderID,
		FilledQty:   req.Quantity,
		FilledPrice: price,
		Success:     true,
		Message:     "paper order filled",
	}
	p.orders[orderID] = res
	return res, nil
}

// GetBalance returns simulated balance.
func (p *PaperBroker) GetBalance(ctx context.Context) (*models.Balance, error) {
	if err := p.nextFault(OpBalance); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	bal := &models.Balance{Cash: p.cash}
	for _, pos := range p.positions {
		bp := *pos
		if price := p.priceCache[pos.Symbol]; price > 0 {
			bp.LastPrice = price
		}
		bal.HoldingsValue += bp.Value()
		bal.Positions = append(bal.Positions, bp)
	}
	bal.TotalEquity = bal.Cash + bal.HoldingsValue
	return bal, nil
}

// Seed sets cash and holdings directly, for reconciliation tests and
// resuming a simulated account.
func (p *PaperBroker) Seed(cash float64, positions []models.BrokerPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
	p.positions = make(map[string]*models.BrokerPosition, len(positions))
	for i := range positions {
		pos := positions[i]
		p.positions[pos.Symbol] = &pos
	}
}

// OrderCount returns how many orders were accepted.
func (p *PaperBroker) OrderCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.orders)
}

// Ensure PaperBroker implements Client interface
var _ Client = (*PaperBroker)(nil)
