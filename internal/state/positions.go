package state

import (
	"fmt"
	"sort"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
)

func (s *Store) positionsLocked() []models.Position {
	out := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Positions returns copies of the open positions sorted by symbol.
func (s *Store) Positions() []models.Position {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	return s.positionsLocked()
}

// Position returns a copy of one position.
func (s *Store) Position(symbol string) (models.Position, bool) {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// PositionCount returns the number of open positions.
func (s *Store) PositionCount() int {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	return len(s.positions)
}

// UpdatePosition runs fn on the stored position under the position lock.
func (s *Store) UpdatePosition(symbol string, fn func(p *models.Position)) bool {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return false
	}
	fn(p)
	p.UpdatedAt = s.now()
	return true
}

// PutPosition inserts or replaces a position; a non-positive quantity
// removes it.
func (s *Store) PutPosition(p models.Position) {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	if p.Quantity <= 0 {
		delete(s.positions, p.Symbol)
		return
	}
	s.positions[p.Symbol] = &p
}

// Cash returns the tracked cash balance.
func (s *Store) Cash() float64 {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	return s.cash
}

// SetCash replaces the tracked cash balance.
func (s *Store) SetCash(cash float64) {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	s.cash = cash
}

// FillResult is what CommitFill changed.
type FillResult struct {
	Position  *models.Position    // after the fill, nil when closed
	Closed    *models.ClosedTrade // set for sells
	Remaining int                 // order quantity still open
}

// CommitFill applies a confirmed fill: the position and cash change under
// the position lock, then the order is removed from (or reduced in) the
// pending and failed queues under the order lock.
func (s *Store) CommitFill(order models.PendingOrder, fill models.Fill) (FillResult, error) {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return FillResult{}, fmt.Errorf("invalid fill %d @ %.4f for %s", fill.Quantity, fill.Price, fill.Symbol)
	}

	var res FillResult
	var err error

	s.posMu.Lock()
	now := s.now()
	switch fill.Side {
	case models.OrderSideBuy:
		s.cash -= fill.Amount()
		p, ok := s.positions[fill.Symbol]
		if !ok {
			p = &models.Position{
				Symbol:       fill.Symbol,
				Name:         order.Name,
				Sector:       order.Sector,
				EntryPrice:   fill.Price,
				EntryTime:    fill.Time,
				StopLoss:     order.StopLoss,
				TakeProfit1:  order.TakeProfit1,
				TakeProfit2:  order.TakeProfit2,
				ATR:          order.ATR,
				HighestPrice: fill.Price,
			}
			s.positions[fill.Symbol] = p
		} else {
			total := p.CostBasis() + fill.Amount()
			p.EntryPrice = total / float64(p.Quantity+fill.Quantity)
		}
		p.Quantity += fill.Quantity
		p.ObservePrice(fill.Price)
		p.UpdatedAt = now
		cp := *p
		res.Position = &cp

	case models.OrderSideSell:
		s.cash += fill.Amount()
		p, ok := s.positions[fill.Symbol]
		if !ok {
			err = fmt.Errorf("sell fill for %s: %w", fill.Symbol, errors.ErrPositionNotFound)
			break
		}
		qty := fill.Quantity
		if qty > p.Quantity {
			qty = p.Quantity
		}
		pnl := (fill.Price - p.EntryPrice) * float64(qty)
		pct := 0.0
		if p.EntryPrice > 0 {
			pct = (fill.Price - p.EntryPrice) / p.EntryPrice * 100
		}
		res.Closed = &models.ClosedTrade{
			Symbol:     fill.Symbol,
			Quantity:   qty,
			EntryPrice: p.EntryPrice,
			ExitPrice:  fill.Price,
			PnL:        pnl,
			PnLPercent: pct,
			Reason:     fill.Reason,
			ClosedAt:   fill.Time,
		}
		p.Quantity -= qty
		if p.Quantity <= 0 {
			delete(s.positions, fill.Symbol)
		} else {
			p.ObservePrice(fill.Price)
			p.UpdatedAt = now
			cp := *p
			res.Position = &cp
		}
	default:
		err = fmt.Errorf("unknown side %q", fill.Side)
	}

	s.orderMu.Lock()
	res.Remaining = s.settleOrderLocked(order.ID, fill.Quantity)
	s.orderMu.Unlock()
	s.posMu.Unlock()

	return res, err
}
