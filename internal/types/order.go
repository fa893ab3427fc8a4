package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderLimit  OrderType = "LMT"
	OrderMarket OrderType = "MKT"
)

// OrderLeg is one single-instrument order inside a strategy. Immutable once
// built; a nil LimitPrice means market.
type OrderLeg struct {
	Instrument Instrument
	Side       Side
	Quantity   int64
	Type       OrderType
	LimitPrice *decimal.Decimal
}

type OrderState string

const (
	StatePendingRiskCheck OrderState = "PENDING_RISK_CHECK"
	StateRejected         OrderState = "REJECTED"
	StatePendingSubmit    OrderState = "PENDING_SUBMIT"
	StateSubmitted        OrderState = "SUBMITTED"
	StatePartiallyFilled  OrderState = "PARTIALLY_FILLED"
	StateFilled           OrderState = "FILLED"
	StateCancelled        OrderState = "CANCELLED"
	StateUnknown          OrderState = "UNKNOWN"
	StateReconciled       OrderState = "RECONCILED"
)

func (s OrderState) Terminal() bool {
	switch s {
	case StateRejected, StateFilled, StateCancelled, StateReconciled:
		return true
	}
	return false
}

// LegFill tracks execution progress of one leg, keyed to the broker-level
// order id assigned at submission.
type LegFill struct {
	BrokerOrderID int64
	Filled        int64
	AvgPrice      decimal.Decimal
}

// StrategyOrder is an atomic group of 1-4 legs submitted together. Owned by
// the execution pipeline until terminal; all mutation happens under the
// pipeline's lock.
type StrategyOrder struct {
	ID             string
	IdempotencyKey string
	StrategyID     string
	Description    string
	Legs           []OrderLeg
	Fills          []LegFill
	State          OrderState
	Reason         string
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

func (o *StrategyOrder) TotalContracts() int64 {
	var n int64
	for _, leg := range o.Legs {
		n += leg.Quantity
	}
	return n
}

func (o *StrategyOrder) AllLegsFilled() bool {
	if len(o.Fills) != len(o.Legs) {
		return false
	}
	for i, leg := range o.Legs {
		if o.Fills[i].Filled < leg.Quantity {
			return false
		}
	}
	return true
}

func (o *StrategyOrder) AnyFilled() bool {
	for _, f := range o.Fills {
		if f.Filled > 0 {
			return true
		}
	}
	return false
}

// Instruments returns the distinct instruments touched by this order.
func (o *StrategyOrder) Instruments() []Instrument {
	seen := make(map[Instrument]bool, len(o.Legs))
	out := make([]Instrument, 0, len(o.Legs))
	for _, leg := range o.Legs {
		if !seen[leg.Instrument] {
			seen[leg.Instrument] = true
			out = append(out, leg.Instrument)
		}
	}
	return out
}
