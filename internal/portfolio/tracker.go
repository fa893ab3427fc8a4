package portfolio

import (
	"sync"
	"sync/atomic"
	"time"

	"condor/internal/events"
	"condor/internal/types"

	"github.com/shopspring/decimal"
)

// contractMultiplier converts option premium points to dollars.
const contractMultiplier = 100

// Tracker is the single writer for positions and account figures. Events are
// applied on one goroutine; readers get an immutable snapshot published via
// atomic.Value, so there are no torn reads across fields.
type Tracker struct {
	msgCh  chan events.AccountEvent
	stopCh chan struct{}
	wg     sync.WaitGroup

	positions map[types.Instrument]*types.Position
	account   types.AccountSummary

	snapshot atomic.Value // types.PortfolioSnapshot
}

func NewTracker() *Tracker {
	t := &Tracker{
		msgCh:     make(chan events.AccountEvent, 256),
		stopCh:    make(chan struct{}),
		positions: make(map[types.Instrument]*types.Position),
	}
	t.publish()
	return t
}

func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.runLoop()
}

func (t *Tracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// Apply is the bus handler. It hands the event to the apply loop, waiting for
// queue space when the loop falls behind: a dropped fill would silently
// corrupt the position book.
func (t *Tracker) Apply(ev events.AccountEvent) {
	select {
	case t.msgCh <- ev:
	case <-t.stopCh:
	}
}

// Snapshot returns the latest consistent view. Never nil, never mutated.
func (t *Tracker) Snapshot() types.PortfolioSnapshot {
	return t.snapshot.Load().(types.PortfolioSnapshot)
}

func (t *Tracker) runLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case ev := <-t.msgCh:
			switch e := ev.(type) {
			case events.Fill:
				t.applyFill(e)
			case events.AccountUpdate:
				t.applyAccount(e.Account)
			case events.PositionReport:
				t.applyPositionReport(e.Position)
			}
			t.publish()
		}
	}
}

// applyFill adjusts the signed position and average cost, realizing P&L when
// the fill reduces an existing position. Quantity sign convention: buys add,
// sells subtract.
func (t *Tracker) applyFill(f events.Fill) {
	delta := f.Quantity
	if f.Side == types.SideSell {
		delta = -delta
	}
	pos, ok := t.positions[f.Instrument]
	if !ok {
		t.positions[f.Instrument] = &types.Position{
			Instrument: f.Instrument,
			Quantity:   delta,
			AvgCost:    f.Price,
		}
		return
	}

	sameDirection := (pos.Quantity >= 0) == (delta >= 0)
	if sameDirection {
		// Scaling in: weighted average cost.
		oldQty := decimal.NewFromInt(abs(pos.Quantity))
		addQty := decimal.NewFromInt(abs(delta))
		total := oldQty.Add(addQty)
		if total.IsPositive() {
			pos.AvgCost = pos.AvgCost.Mul(oldQty).Add(f.Price.Mul(addQty)).Div(total)
		}
		pos.Quantity += delta
		return
	}

	// Reducing or flipping: realize P&L on the closed quantity.
	closed := min64(abs(pos.Quantity), abs(delta))
	perContract := f.Price.Sub(pos.AvgCost)
	if pos.Quantity < 0 {
		perContract = perContract.Neg()
	}
	realized := perContract.Mul(decimal.NewFromInt(closed)).Mul(decimal.NewFromInt(contractMultiplier))
	t.account.RealizedPnL = t.account.RealizedPnL.Add(realized)

	pos.Quantity += delta
	if pos.Quantity == 0 {
		delete(t.positions, f.Instrument)
		return
	}
	if abs(delta) > closed {
		// Flipped through zero: the remainder opens at the fill price.
		pos.AvgCost = f.Price
	}
}

// applyAccount overwrites broker-sourced figures. Realized P&L from the
// gateway wins over the locally accumulated tally when present.
func (t *Tracker) applyAccount(a types.AccountSummary) {
	if !a.Cash.IsZero() {
		t.account.Cash = a.Cash
	}
	if !a.Margin.IsZero() {
		t.account.Margin = a.Margin
	}
	t.account.UnrealizedPnL = a.UnrealizedPnL
	if !a.RealizedPnL.IsZero() {
		t.account.RealizedPnL = a.RealizedPnL
	}
	t.account.UpdatedAt = a.UpdatedAt
}

// applyPositionReport reconciles against broker truth: the reported position
// replaces whatever we derived locally.
func (t *Tracker) applyPositionReport(p types.Position) {
	if p.Quantity == 0 {
		delete(t.positions, p.Instrument)
		return
	}
	cp := p
	t.positions[p.Instrument] = &cp
}

func (t *Tracker) publish() {
	snap := types.PortfolioSnapshot{
		Positions: make([]types.Position, 0, len(t.positions)),
		Account:   t.account,
		TakenAt:   time.Now(),
	}
	for _, p := range t.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	t.snapshot.Store(snap)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
