package strategy

import (
	"fmt"
	"math"
	"time"

	"condor/internal/types"

	"github.com/shopspring/decimal"
)

// QuoteSource is the read-only cache view the selector works from.
type QuoteSource interface {
	Snapshot(inst types.Instrument) (types.Quote, bool)
	All() []types.Quote
}

// maxQuoteAge for selection; a quote this old cannot anchor a strike choice.
const maxQuoteAge = 30 * time.Second

// FindTargetDelta picks the cached option whose |delta| is nearest the
// target, among fresh quotes for the given underlying/expiry/right. The cache
// must already hold the chain around the money; missing or stale greeks are
// skipped rather than trusted.
func FindTargetDelta(quotes QuoteSource, underlying, expiry string, right types.Right, target float64, now time.Time) (types.Quote, error) {
	var (
		best     types.Quote
		bestDiff = math.MaxFloat64
		found    bool
	)
	for _, q := range quotes.All() {
		inst := q.Instrument
		if !inst.IsOption() || inst.Symbol != underlying || inst.Expiry != expiry || inst.Right != right {
			continue
		}
		if !q.FreshAt(now, maxQuoteAge) || q.Delta == 0 || !q.HasPrice() {
			continue
		}
		diff := math.Abs(math.Abs(q.Delta) - target)
		if diff < bestDiff {
			best, bestDiff, found = q, diff, true
		}
	}
	if !found {
		return types.Quote{}, fmt.Errorf("no fresh %s%s quotes for %s delta %.2f", underlying, right, expiry, target)
	}
	return best, nil
}

// limitFor prices a leg at the quote midpoint rounded to the 0.05 tick.
func limitFor(q types.Quote) *decimal.Decimal {
	tick := decimal.NewFromFloat(0.05)
	mid := q.Mid().Div(tick).Round(0).Mul(tick)
	return &mid
}

// quoteAt fetches the cached quote for an exact strike, for wing legs whose
// strike is derived rather than delta-selected.
func quoteAt(quotes QuoteSource, underlying, expiry string, right types.Right, strike float64) (types.Quote, bool) {
	return quotes.Snapshot(types.Option(underlying, expiry, strike, right))
}
