package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the signed open quantity for one instrument. Mutated only by
// the portfolio tracker's apply loop.
type Position struct {
	Instrument Instrument
	Quantity   int64
	AvgCost    decimal.Decimal
}

type AccountSummary struct {
	Cash          decimal.Decimal
	Margin        decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
}

// DailyPnL is realized plus unrealized for the current session day.
func (a AccountSummary) DailyPnL() decimal.Decimal {
	return a.RealizedPnL.Add(a.UnrealizedPnL)
}

// PortfolioSnapshot is a consistent point-in-time view handed to the risk
// gate and the HTTP surface. Never mutated after publication.
type PortfolioSnapshot struct {
	Positions []Position
	Account   AccountSummary
	TakenAt   time.Time
}

func (s PortfolioSnapshot) TotalOpenContracts() int64 {
	var n int64
	for _, p := range s.Positions {
		if p.Quantity >= 0 {
			n += p.Quantity
		} else {
			n -= p.Quantity
		}
	}
	return n
}
