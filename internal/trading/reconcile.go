package trading

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"factor-trader/internal/models"
)

// QuantityMismatch is a symbol whose local and broker quantities differ.
type QuantityMismatch struct {
	Symbol string `json:"symbol"`
	Local  int    `json:"local"`
	Broker int    `json:"broker"`
}

// Reconciliation compares local positions and cash with the broker.
type Reconciliation struct {
	Mismatches []QuantityMismatch `json:"mismatches,omitempty"`
	LocalCash  float64            `json:"local_cash"`
	BrokerCash float64            `json:"broker_cash"`
	CashDiff   float64            `json:"cash_diff"`
	CashOK     bool               `json:"cash_ok"`
}

// Clean reports whether nothing disagrees.
func (r Reconciliation) Clean() bool {
	return len(r.Mismatches) == 0 && r.CashOK
}

// Summary renders the discrepancies on one line; empty when clean.
func (r Reconciliation) Summary() string {
	if r.Clean() {
		return ""
	}
	var parts []string
	for _, m := range r.Mismatches {
		parts = append(parts, fmt.Sprintf("%s local=%d broker=%d", m.Symbol, m.Local, m.Broker))
	}
	if !r.CashOK {
		parts = append(parts, fmt.Sprintf("cash diff %.2f", r.CashDiff))
	}
	return strings.Join(parts, "; ")
}

// Alerts converts the discrepancies into MEDIUM risk alerts.
func (r Reconciliation) Alerts(now time.Time) []models.RiskAlert {
	var alerts []models.RiskAlert
	for _, m := range r.Mismatches {
		alerts = append(alerts, models.RiskAlert{
			Level:     models.RiskMedium,
			Type:      "reconciliation",
			Symbol:    m.Symbol,
			Message:   fmt.Sprintf("%s quantity differs: local %d, broker %d", m.Symbol, m.Local, m.Broker),
			Value:     float64(m.Broker),
			Threshold: float64(m.Local),
			Action:    "review positions",
			Timestamp: now,
		})
	}
	if !r.CashOK {
		alerts = append(alerts, models.RiskAlert{
			Level:     models.RiskMedium,
			Type:      "reconciliation",
			Message:   fmt.Sprintf("cash differs: local %.2f, broker %.2f", r.LocalCash, r.BrokerCash),
			Value:     r.BrokerCash,
			Threshold: r.LocalCash,
			Action:    "review cash",
			Timestamp: now,
		})
	}
	return alerts
}

// Reconcile compares local state with the broker's balance report. Cash
// differences up to tolerance (absolute) are ignored.
func Reconcile(local []models.Position, localCash float64, bal *models.Balance, tolerance float64) Reconciliation {
	r := Reconciliation{LocalCash: localCash, CashOK: true}
	if bal == nil {
		return r
	}

	r.BrokerCash = bal.Cash
	r.CashDiff = bal.Cash - localCash
	r.CashOK = math.Abs(r.CashDiff) <= tolerance

	qty := make(map[string][2]int)
	for _, p := range local {
		q := qty[p.Symbol]
		q[0] += p.Quantity
		qty[p.Symbol] = q
	}
	for _, p := range bal.Positions {
		q := qty[p.Symbol]
		q[1] += p.Quantity
		qty[p.Symbol] = q
	}

	for sym, q := range qty {
		if q[0] != q[1] {
			r.Mismatches = append(r.Mismatches, QuantityMismatch{Symbol: sym, Local: q[0], Broker: q[1]})
		}
	}
	sort.Slice(r.Mismatches, func(i, j int) bool { return r.Mismatches[i].Symbol < r.Mismatches[j].Symbol })
	return r
}
