package trading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/models"
)

func TestReconcile(t *testing.T) {
	local := []models.Position{
		{Symbol: "AAA", Quantity: 10},
		{Symbol: "BBB", Quantity: 5},
	}
	bal := &models.Balance{
		Cash: 1000.5,
		Positions: []models.BrokerPosition{
			{Symbol: "AAA", Quantity: 10},
			{Symbol: "BBB", Quantity: 4},
			{Symbol: "CCC", Quantity: 2},
		},
	}

	r := Reconcile(local, 1000, bal, 1)
	assert.True(t, r.CashOK)
	require.Len(t, r.Mismatches, 2)
	assert.Equal(t, QuantityMismatch{Symbol: "BBB", Local: 5, Broker: 4}, r.Mismatches[0])
	assert.Equal(t, QuantityMismatch{Symbol: "CCC", Local: 0, Broker: 2}, r.Mismatches[1])
	assert.Equal(t, "BBB local=5 broker=4; CCC local=0 broker=2", r.Summary())

	alerts := r.Alerts(time.Now())
	require.Len(t, alerts, 2)
	assert.Equal(t, models.RiskMedium, alerts[0].Level)
	assert.Equal(t, "BBB", alerts[0].Symbol)
}

func TestReconcileCash(t *testing.T) {
	r := Reconcile(nil, 1000, &models.Balance{Cash: 900}, 1)
	assert.False(t, r.Clean())
	assert.InDelta(t, -100.0, r.CashDiff, 1e-9)
	assert.Contains(t, r.Summary(), "cash diff -100.00")
	assert.Len(t, r.Alerts(time.Now()), 1)

	clean := Reconcile(nil, 1000, nil, 1)
	assert.True(t, clean.Clean())
	assert.Empty(t, clean.Summary())
}
