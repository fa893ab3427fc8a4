package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits is the immutable pre-trade policy snapshot. Loaded once at
// startup; replaced wholesale by an explicit config reload, never mutated.
type RiskLimits struct {
	MaxContractsPerOrder int64
	MaxOpenContracts     int64
	MaxOrdersPerMinute   int
	DailyLossLimit       decimal.Decimal // positive magnitude, e.g. 5000 means -$5000 stops trading
	BlackoutBeforeClose  time.Duration
	MarketClose          string // "HH:MM" wall clock in MarketTZ
	MarketTZ             string // IANA name, e.g. America/New_York
	QuoteMaxAge          time.Duration
}

// CloseAt resolves the market close for the day containing now, in the
// configured market timezone.
func (r RiskLimits) CloseAt(now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(r.MarketTZ)
	if err != nil {
		return time.Time{}, err
	}
	var hh, mm int
	if _, err := fmt.Sscanf(r.MarketClose, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("invalid market close %q: %w", r.MarketClose, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, fmt.Errorf("invalid market close %q", r.MarketClose)
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc), nil
}
