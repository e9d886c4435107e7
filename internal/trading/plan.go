package trading

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"factor-trader/internal/models"
)

// Reasons attached to rebalance orders.
const (
	ReasonDropped  = "rebalance: dropped from target"
	ReasonSelected = "rebalance: selected by screener"
)

// RebalancePlan is the set of orders that moves the book to a target list.
type RebalancePlan struct {
	Sells   []models.PendingOrder
	Buys    []models.PendingOrder
	Skipped map[string]string // symbol -> why no buy was sized
}

// Orders returns sells followed by buys.
func (p RebalancePlan) Orders() []models.PendingOrder {
	out := make([]models.PendingOrder, 0, len(p.Sells)+len(p.Buys))
	out = append(out, p.Sells...)
	return append(out, p.Buys...)
}

// Empty reports whether the plan changes nothing.
func (p RebalancePlan) Empty() bool {
	return len(p.Sells) == 0 && len(p.Buys) == 0
}

// PlanRebalance computes the symmetric difference between the held positions
// and the target list. Held symbols outside the target are sold in full; new
// target symbols are bought equal-weight, each capped at maxWeight of equity.
// Symbols present on both sides are left alone.
func PlanRebalance(target []models.CompositeScore, positions []models.Position, equity, maxWeight float64, now time.Time) RebalancePlan {
	plan := RebalancePlan{Skipped: make(map[string]string)}

	wanted := make(map[string]bool, len(target))
	for _, t := range target {
		wanted[t.Symbol] = true
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}

	for _, p := range positions {
		if wanted[p.Symbol] || p.Quantity <= 0 {
			continue
		}
		plan.Sells = append(plan.Sells, newOrder(models.PendingOrder{
			Symbol:   p.Symbol,
			Name:     p.Name,
			Sector:   p.Sector,
			Side:     models.OrderSideSell,
			Quantity: p.Quantity,
			Reason:   ReasonDropped,
		}, now))
	}

	weight := 0.0
	if len(target) > 0 {
		weight = 1 / float64(len(target))
	}
	if maxWeight > 0 && weight > maxWeight {
		weight = maxWeight
	}
	budget := equity * weight

	for _, t := range target {
		if held[t.Symbol] {
			continue
		}
		if t.LastPrice <= 0 || math.IsNaN(t.LastPrice) {
			plan.Skipped[t.Symbol] = "no price"
			continue
		}
		qty := int(math.Floor(budget / t.LastPrice))
		if qty <= 0 {
			plan.Skipped[t.Symbol] = "allocation below one share"
			continue
		}
		plan.Buys = append(plan.Buys, newOrder(models.PendingOrder{
			Symbol:   t.Symbol,
			Name:     t.Name,
			Sector:   t.Sector,
			Side:     models.OrderSideBuy,
			Quantity: qty,
			ATR:      t.ATR,
			Reason:   ReasonSelected,
		}, now))
	}

	sort.Slice(plan.Sells, func(i, j int) bool { return plan.Sells[i].Symbol < plan.Sells[j].Symbol })
	return plan
}

func newOrder(o models.PendingOrder, now time.Time) models.PendingOrder {
	o.ID = uuid.NewString()
	o.Type = models.OrderTypeMarket
	o.Source = models.SourceRebalance
	o.Status = models.OrderStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	return o
}
