package state

import (
	"factor-trader/internal/models"
)

func findOrder(list []models.PendingOrder, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func removeAt(list []models.PendingOrder, i int) []models.PendingOrder {
	return append(list[:i], list[i+1:]...)
}

// settleOrderLocked reduces the order by filled and removes it once complete.
// Returns the quantity still open.
func (s *Store) settleOrderLocked(id string, filled int) int {
	if id == "" {
		return 0
	}
	for _, q := range []*[]models.PendingOrder{&s.pending, &s.failed} {
		i := findOrder(*q, id)
		if i < 0 {
			continue
		}
		o := &(*q)[i]
		o.Quantity -= filled
		if o.Quantity <= 0 {
			*q = removeAt(*q, i)
			return 0
		}
		o.UpdatedAt = s.now()
		return o.Quantity
	}
	return 0
}

// AddPending appends orders to the pending queue.
func (s *Store) AddPending(orders ...models.PendingOrder) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	for _, o := range orders {
		o.Status = models.OrderStatusPending
		s.pending = append(s.pending, o)
	}
}

// Supersede drops every pending and failed order from the given sources and
// returns how many were dropped. A fresh plan replaces them, so none of them
// may be replayed afterwards.
func (s *Store) Supersede(sources ...models.OrderSource) int {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	drop := func(o models.PendingOrder) bool {
		for _, src := range sources {
			if o.Source == src {
				return true
			}
		}
		return false
	}
	n := 0
	for _, q := range []*[]models.PendingOrder{&s.pending, &s.failed} {
		kept := (*q)[:0]
		for _, o := range *q {
			if drop(o) {
				n++
				continue
			}
			kept = append(kept, o)
		}
		*q = kept
	}
	return n
}

// PendingOrders returns a copy of the pending queue.
func (s *Store) PendingOrders() []models.PendingOrder {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	return append([]models.PendingOrder{}, s.pending...)
}

// FailedOrders returns a copy of the failed queue.
func (s *Store) FailedOrders() []models.PendingOrder {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	return append([]models.PendingOrder{}, s.failed...)
}

// PermanentlyFailed returns a copy of the permanently failed orders.
func (s *Store) PermanentlyFailed() []models.PendingOrder {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	return append([]models.PendingOrder{}, s.permanent...)
}

// HasQueuedBuys reports whether any BUY waits in the pending or failed queue.
func (s *Store) HasQueuedBuys() bool {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	for _, q := range [][]models.PendingOrder{s.pending, s.failed} {
		for _, o := range q {
			if o.Side == models.OrderSideBuy {
				return true
			}
		}
	}
	return false
}

// UpdateOrder runs fn on the pending or failed order with id.
func (s *Store) UpdateOrder(id string, fn func(o *models.PendingOrder)) bool {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	for _, q := range []*[]models.PendingOrder{&s.pending, &s.failed} {
		if i := findOrder(*q, id); i >= 0 {
			fn(&(*q)[i])
			(*q)[i].UpdatedAt = s.now()
			return true
		}
	}
	return false
}

// MoveToFailed moves a pending order to the failed queue.
func (s *Store) MoveToFailed(id, lastErr string) bool {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	i := findOrder(s.pending, id)
	if i < 0 {
		return false
	}
	o := s.pending[i]
	s.pending = removeAt(s.pending, i)
	o.Status = models.OrderStatusFailed
	o.LastError = lastErr
	o.UpdatedAt = s.now()
	s.failed = append(s.failed, o)
	return true
}

// MarkPermanentlyFailed moves an order from either queue to the permanently
// failed list. It is never retried automatically afterwards.
func (s *Store) MarkPermanentlyFailed(id, lastErr string) (models.PendingOrder, bool) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	for _, q := range []*[]models.PendingOrder{&s.pending, &s.failed} {
		i := findOrder(*q, id)
		if i < 0 {
			continue
		}
		o := (*q)[i]
		*q = removeAt(*q, i)
		o.Status = models.OrderStatusPermanentlyFailed
		o.LastError = lastErr
		o.UpdatedAt = s.now()
		s.permanent = append(s.permanent, o)
		return o, true
	}
	return models.PendingOrder{}, false
}

// RemoveOrder drops an order from the pending and failed queues.
func (s *Store) RemoveOrder(id string) bool {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	for _, q := range []*[]models.PendingOrder{&s.pending, &s.failed} {
		if i := findOrder(*q, id); i >= 0 {
			*q = removeAt(*q, i)
			return true
		}
	}
	return false
}

// ClearPermanentlyFailed empties the permanently failed list and returns how
// many orders were dropped.
func (s *Store) ClearPermanentlyFailed() int {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	n := len(s.permanent)
	s.permanent = nil
	return n
}

// OrderCounts returns the queue sizes.
func (s *Store) OrderCounts() (pending, failed, permanent int) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	return len(s.pending), len(s.failed), len(s.permanent)
}
