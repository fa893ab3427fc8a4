package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SecType string

const (
	SecOption SecType = "OPT"
	SecIndex  SecType = "IND"
	SecFuture SecType = "FUT"
)

type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
	RightNone Right = ""
)

// Instrument identifies a tradable contract. Comparable, so it doubles as a
// map key for the quote cache and the position book. Strike stays a float
// because listed strikes are exact multiples of the exchange increment.
type Instrument struct {
	Symbol  string
	SecType SecType
	Expiry  string // YYYYMMDD, empty for non-options
	Strike  float64
	Right   Right
}

func Option(symbol, expiry string, strike float64, right Right) Instrument {
	return Instrument{Symbol: symbol, SecType: SecOption, Expiry: expiry, Strike: strike, Right: right}
}

func Index(symbol string) Instrument {
	return Instrument{Symbol: symbol, SecType: SecIndex}
}

func (i Instrument) IsOption() bool { return i.SecType == SecOption }

func (i Instrument) String() string {
	if i.IsOption() {
		return fmt.Sprintf("%s %s %s%.0f", i.Symbol, i.Expiry, i.Right, i.Strike)
	}
	return fmt.Sprintf("%s(%s)", i.Symbol, i.SecType)
}

// Quote is the latest tick/greek snapshot for one instrument. Consumers must
// check freshness before trusting prices.
type Quote struct {
	Instrument Instrument
	Last       decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	ImpliedVol float64
	Delta      float64
	Gamma      float64
	Theta      float64
	Vega       float64
	UpdatedAt  time.Time
}

func (q Quote) HasPrice() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

func (q Quote) Mid() decimal.Decimal {
	if !q.HasPrice() {
		return q.Last
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

func (q Quote) FreshAt(now time.Time, maxAge time.Duration) bool {
	if q.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(q.UpdatedAt) <= maxAge
}
