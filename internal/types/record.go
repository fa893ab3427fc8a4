package types

import "time"

// TradeRecord is the immutable summary handed to the trade-history store when
// a strategy order reaches a terminal state.
type TradeRecord struct {
	OrderID        string
	IdempotencyKey string
	StrategyID     string
	Description    string
	State          OrderState
	Reason         string
	Legs           []OrderLeg
	Fills          []LegFill
	CreatedAt      time.Time
	ResolvedAt     time.Time
}
