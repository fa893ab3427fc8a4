package events

import (
	"time"

	"condor/internal/types"

	"github.com/shopspring/decimal"
)

// Event is anything the broker session pushes onto the bus. One producer,
// one ordered channel, fan-out on the drain side (per-producer ordering is
// preserved across all listeners).
type Event interface{ event() }

// Tick carries a fresh quote snapshot for one instrument.
type Tick struct {
	Quote types.Quote
}

// Fill reports an execution against one broker-level order id.
type Fill struct {
	BrokerOrderID int64
	Instrument    types.Instrument
	Side          types.Side
	Quantity      int64
	Price         decimal.Decimal
	At            time.Time
}

// OrderUpdate reports a broker-side status change for one leg order. Code and
// Message are set when the update is a rejection.
type OrderUpdate struct {
	BrokerOrderID int64
	Status        string
	Filled        int64
	Remaining     int64
	AvgPrice      decimal.Decimal
	Code          int
	Message       string
}

// AccountUpdate carries the latest account figures.
type AccountUpdate struct {
	Account types.AccountSummary
}

// PositionReport is a broker-reported position, used to seed the tracker at
// session start and during reconciliation.
type PositionReport struct {
	Position types.Position
}

// Status is a session connection-state transition.
type Status struct {
	Session types.SessionStatus
}

func (Tick) event()           {}
func (Fill) event()           {}
func (OrderUpdate) event()    {}
func (AccountUpdate) event()  {}
func (PositionReport) event() {}
func (Status) event()         {}

// OrderEvent is the subset of events the execution pipeline consumes.
type OrderEvent interface {
	Event
	orderEvent()
}

func (Fill) orderEvent()        {}
func (OrderUpdate) orderEvent() {}

// AccountEvent is the subset the portfolio tracker consumes.
type AccountEvent interface {
	Event
	accountEvent()
}

func (Fill) accountEvent()           {}
func (AccountUpdate) accountEvent()  {}
func (PositionReport) accountEvent() {}
