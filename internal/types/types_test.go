package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{StateRejected, StateFilled, StateCancelled, StateReconciled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}
	open := []OrderState{StatePendingRiskCheck, StatePendingSubmit, StateSubmitted, StatePartiallyFilled, StateUnknown}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestStrategyOrderFillAccounting(t *testing.T) {
	o := &StrategyOrder{
		Legs: []OrderLeg{
			{Instrument: Option("SPX", "20260918", 6350, RightPut), Side: SideSell, Quantity: 2},
			{Instrument: Option("SPX", "20260918", 6550, RightCall), Side: SideSell, Quantity: 2},
		},
		Fills: make([]LegFill, 2),
	}
	assert.Equal(t, int64(4), o.TotalContracts())
	assert.False(t, o.AnyFilled())
	assert.False(t, o.AllLegsFilled())

	o.Fills[0].Filled = 2
	assert.True(t, o.AnyFilled())
	assert.False(t, o.AllLegsFilled())

	o.Fills[1].Filled = 2
	assert.True(t, o.AllLegsFilled())
}

func TestInstrumentsDeduplicates(t *testing.T) {
	inst := Option("SPX", "20260918", 6350, RightPut)
	o := &StrategyOrder{Legs: []OrderLeg{
		{Instrument: inst, Side: SideSell, Quantity: 1},
		{Instrument: inst, Side: SideBuy, Quantity: 1},
	}}
	assert.Len(t, o.Instruments(), 1)
}

func TestTotalOpenContractsUsesAbsoluteExposure(t *testing.T) {
	snap := PortfolioSnapshot{Positions: []Position{
		{Instrument: Option("SPX", "20260918", 6350, RightPut), Quantity: -4},
		{Instrument: Option("SPX", "20260918", 6550, RightCall), Quantity: 3},
	}}
	assert.Equal(t, int64(7), snap.TotalOpenContracts())
}

func TestCloseAt(t *testing.T) {
	limits := RiskLimits{MarketClose: "16:00", MarketTZ: "America/New_York"}
	nyc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2026, 9, 1, 10, 30, 0, 0, nyc)
	closeAt, err := limits.CloseAt(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 16, 0, 0, 0, nyc), closeAt)

	limits.MarketClose = "25:99"
	_, err = limits.CloseAt(now)
	assert.Error(t, err)

	limits.MarketClose = "sixteen"
	_, err = limits.CloseAt(now)
	assert.Error(t, err)
}

func TestQuoteMidAndFreshness(t *testing.T) {
	now := time.Now()
	q := Quote{
		Bid:       decimal.NewFromFloat(1.20),
		Ask:       decimal.NewFromFloat(1.40),
		UpdatedAt: now.Add(-5 * time.Second),
	}
	assert.True(t, q.HasPrice())
	assert.True(t, q.Mid().Equal(decimal.NewFromFloat(1.30)))
	assert.True(t, q.FreshAt(now, 10*time.Second))
	assert.False(t, q.FreshAt(now, 2*time.Second))

	// One-sided quote is unusable; Mid falls back to last.
	q.Ask = decimal.Zero
	q.Last = decimal.NewFromFloat(1.25)
	assert.False(t, q.HasPrice())
	assert.True(t, q.Mid().Equal(decimal.NewFromFloat(1.25)))

	assert.False(t, Quote{}.FreshAt(now, time.Hour))
}

func TestDailyPnL(t *testing.T) {
	a := AccountSummary{
		RealizedPnL:   decimal.NewFromInt(-800),
		UnrealizedPnL: decimal.NewFromInt(300),
	}
	assert.True(t, a.DailyPnL().Equal(decimal.NewFromInt(-500)))
}
