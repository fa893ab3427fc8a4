package portfolio

import (
	"testing"
	"time"

	"condor/internal/events"
	"condor/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	put  = types.Option("SPX", "20260918", 6400, types.RightPut)
	call = types.Option("SPX", "20260918", 6500, types.RightCall)
)

func fill(inst types.Instrument, side types.Side, qty int64, price float64) events.Fill {
	return events.Fill{
		Instrument: inst,
		Side:       side,
		Quantity:   qty,
		Price:      decimal.NewFromFloat(price),
		At:         time.Now(),
	}
}

func position(t *Tracker, inst types.Instrument) (types.Position, bool) {
	for _, p := range t.Snapshot().Positions {
		if p.Instrument == inst {
			return p, true
		}
	}
	return types.Position{}, false
}

func TestBuyOpensLongPosition(t *testing.T) {
	tr := NewTracker()
	tr.applyFill(fill(put, types.SideBuy, 2, 1.50))
	tr.publish()

	p, ok := position(tr, put)
	require.True(t, ok)
	assert.Equal(t, int64(2), p.Quantity)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(1.50)))
}

func TestScalingInAveragesCost(t *testing.T) {
	tr := NewTracker()
	tr.applyFill(fill(put, types.SideBuy, 2, 1.00))
	tr.applyFill(fill(put, types.SideBuy, 2, 2.00))
	tr.publish()

	p, _ := position(tr, put)
	assert.Equal(t, int64(4), p.Quantity)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(1.50)), "got %s", p.AvgCost)
	assert.True(t, tr.Snapshot().Account.RealizedPnL.IsZero())
}

func TestReducingFillRealizesPnL(t *testing.T) {
	tr := NewTracker()
	tr.applyFill(fill(put, types.SideBuy, 4, 1.00))
	// Sell 2 at 1.50: (1.50-1.00) * 2 * 100 = +100.
	tr.applyFill(fill(put, types.SideSell, 2, 1.50))
	tr.publish()

	p, _ := position(tr, put)
	assert.Equal(t, int64(2), p.Quantity)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(1.00)))
	assert.True(t, tr.Snapshot().Account.RealizedPnL.Equal(decimal.NewFromInt(100)))
}

func TestShortPositionRealizesOnBuyBack(t *testing.T) {
	tr := NewTracker()
	tr.applyFill(fill(call, types.SideSell, 2, 2.00))
	// Buy back at 0.50: short gains (2.00-0.50) * 2 * 100 = +300.
	tr.applyFill(fill(call, types.SideBuy, 2, 0.50))
	tr.publish()

	_, open := position(tr, call)
	assert.False(t, open, "flat position must leave the book")
	assert.True(t, tr.Snapshot().Account.RealizedPnL.Equal(decimal.NewFromInt(300)))
}

func TestFlipThroughZeroResetsAvgCost(t *testing.T) {
	tr := NewTracker()
	tr.applyFill(fill(put, types.SideBuy, 2, 1.00))
	// Sell 5: closes 2 (realizing (3-1)*2*100=400), opens short 3 at 3.00.
	tr.applyFill(fill(put, types.SideSell, 5, 3.00))
	tr.publish()

	p, _ := position(tr, put)
	assert.Equal(t, int64(-3), p.Quantity)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(3.00)))
	assert.True(t, tr.Snapshot().Account.RealizedPnL.Equal(decimal.NewFromInt(400)))
}

func TestPositionReportIsBrokerTruth(t *testing.T) {
	tr := NewTracker()
	tr.applyFill(fill(put, types.SideBuy, 2, 1.00))
	tr.applyPositionReport(types.Position{Instrument: put, Quantity: 5, AvgCost: decimal.NewFromFloat(1.10)})
	tr.publish()

	p, _ := position(tr, put)
	assert.Equal(t, int64(5), p.Quantity)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(1.10)))

	// Zero-quantity report clears the book entry.
	tr.applyPositionReport(types.Position{Instrument: put, Quantity: 0})
	tr.publish()
	_, open := position(tr, put)
	assert.False(t, open)
}

func TestAccountUpdateOverwritesFigures(t *testing.T) {
	tr := NewTracker()
	tr.applyAccount(types.AccountSummary{
		Cash:          decimal.NewFromInt(100000),
		UnrealizedPnL: decimal.NewFromInt(-250),
		RealizedPnL:   decimal.NewFromInt(120),
		UpdatedAt:     time.Now(),
	})
	tr.publish()

	acct := tr.Snapshot().Account
	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(100000)))
	assert.True(t, acct.DailyPnL().Equal(decimal.NewFromInt(-130)))
}

// A fill burst larger than the internal queue must not lose events; Apply
// waits for space instead of shedding.
func TestFillBurstLosesNothing(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	defer tr.Stop()

	const n = 300 // deliberately past the queue capacity
	for i := 0; i < n; i++ {
		tr.Apply(fill(put, types.SideBuy, 1, 1.00))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := position(tr, put); ok && p.Quantity == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, _ := position(tr, put)
	t.Fatalf("fills lost under burst: position %d, want %d", p.Quantity, n)
}

func TestSnapshotIsConsistentUnderApplyLoop(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	defer tr.Stop()

	tr.Apply(fill(put, types.SideBuy, 2, 1.00))
	tr.Apply(fill(call, types.SideSell, 2, 2.00))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := tr.Snapshot()
		if snap.TotalOpenContracts() == 4 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tracker never reached expected exposure, got %d", tr.Snapshot().TotalOpenContracts())
}
