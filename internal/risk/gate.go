package risk

import (
	"time"

	"condor/internal/condorerr"
	"condor/internal/types"
)

// QuoteView is the read-only slice of the market data cache the gate needs.
type QuoteView interface {
	Snapshot(inst types.Instrument) (types.Quote, bool)
}

// Gate is the pre-trade policy evaluator. Pure: it never mutates anything,
// so the UI can call it speculatively for previews.
type Gate struct {
	quotes QuoteView
}

func NewGate(quotes QuoteView) *Gate {
	return &Gate{quotes: quotes}
}

// Evaluate runs the ordered checks and returns nil (approved) or a
// reason-coded rejection. Check order is fixed: blackout, order size,
// projected position, daily loss, quote freshness. The first failure wins so
// operators always see the same diagnosis for the same state.
func (g *Gate) Evaluate(order *types.StrategyOrder, snap types.PortfolioSnapshot, now time.Time, limits types.RiskLimits) error {
	if err := g.checkBlackout(now, limits); err != nil {
		return err
	}
	if err := g.checkOrderSize(order, limits); err != nil {
		return err
	}
	if err := g.checkPositionLimit(order, snap, limits); err != nil {
		return err
	}
	if err := g.checkDailyLoss(snap, limits); err != nil {
		return err
	}
	return g.checkQuoteFreshness(order, now, limits)
}

func (g *Gate) checkBlackout(now time.Time, limits types.RiskLimits) error {
	if limits.BlackoutBeforeClose <= 0 {
		return nil
	}
	closeAt, err := limits.CloseAt(now)
	if err != nil {
		// A broken clock config must not let orders through unchecked.
		return condorerr.Reject(condorerr.ReasonTradingWindowClosed, "market close misconfigured: %v", err)
	}
	start := closeAt.Add(-limits.BlackoutBeforeClose)
	if now.Before(start) {
		return nil
	}
	if now.Before(closeAt) {
		return condorerr.Reject(condorerr.ReasonTradingWindowClosed,
			"inside blackout window (%s before %s close)", limits.BlackoutBeforeClose, limits.MarketClose)
	}
	// Once the close passes, entries stay shut for the rest of the session
	// day; the window only reopens when CloseAt rolls to the next day.
	return condorerr.Reject(condorerr.ReasonTradingWindowClosed,
		"market closed at %s", limits.MarketClose)
}

func (g *Gate) checkOrderSize(order *types.StrategyOrder, limits types.RiskLimits) error {
	total := order.TotalContracts()
	if limits.MaxContractsPerOrder > 0 && total > limits.MaxContractsPerOrder {
		return condorerr.Reject(condorerr.ReasonOrderTooLarge,
			"%d contracts exceeds per-order limit %d", total, limits.MaxContractsPerOrder)
	}
	return nil
}

func (g *Gate) checkPositionLimit(order *types.StrategyOrder, snap types.PortfolioSnapshot, limits types.RiskLimits) error {
	if limits.MaxOpenContracts <= 0 {
		return nil
	}
	projected := snap.TotalOpenContracts() + order.TotalContracts()
	if projected > limits.MaxOpenContracts {
		return condorerr.Reject(condorerr.ReasonPositionLimitExceeded,
			"projected %d open contracts exceeds account limit %d", projected, limits.MaxOpenContracts)
	}
	return nil
}

func (g *Gate) checkDailyLoss(snap types.PortfolioSnapshot, limits types.RiskLimits) error {
	if !limits.DailyLossLimit.IsPositive() {
		return nil
	}
	pnl := snap.Account.DailyPnL()
	if pnl.LessThanOrEqual(limits.DailyLossLimit.Neg()) {
		return condorerr.Reject(condorerr.ReasonDailyLossLimitReached,
			"daily P&L %s at or beyond -%s limit", pnl, limits.DailyLossLimit)
	}
	return nil
}

// checkQuoteFreshness refuses to trade any leg whose quote is missing,
// priceless, or older than the freshness threshold.
func (g *Gate) checkQuoteFreshness(order *types.StrategyOrder, now time.Time, limits types.RiskLimits) error {
	maxAge := limits.QuoteMaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	for _, leg := range order.Legs {
		q, ok := g.quotes.Snapshot(leg.Instrument)
		if !ok || !q.HasPrice() {
			return condorerr.Reject(condorerr.ReasonStalePriceData, "no quote for %s", leg.Instrument)
		}
		if !q.FreshAt(now, maxAge) {
			return condorerr.Reject(condorerr.ReasonStalePriceData,
				"quote for %s is %s old (max %s)", leg.Instrument, now.Sub(q.UpdatedAt).Truncate(time.Millisecond), maxAge)
		}
	}
	return nil
}
