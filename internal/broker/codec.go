package broker

import (
	"time"

	"condor/internal/events"
	"condor/internal/types"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Outbound frames. The gateway speaks JSON text frames with an "op"
// discriminator on requests and a "type" discriminator on responses.

type authFrame struct {
	Op       string `json:"op"`
	ClientID int    `json:"clientId"`
}

type subscribeFrame struct {
	Op         string          `json:"op"`
	ReqID      int64           `json:"reqId"`
	Instrument instrumentFrame `json:"instrument"`
}

type unsubscribeFrame struct {
	Op    string `json:"op"`
	ReqID int64  `json:"reqId"`
}

type orderFrame struct {
	Op         string          `json:"op"`
	OrderID    int64           `json:"orderId"`
	Instrument instrumentFrame `json:"instrument"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"qty"`
	Type       string          `json:"type"`
	LimitPrice string          `json:"limitPrice,omitempty"`
}

type cancelFrame struct {
	Op      string `json:"op"`
	OrderID int64  `json:"orderId"`
}

type queryFrame struct {
	Op    string `json:"op"`
	ReqID int64  `json:"reqId"`
}

type instrumentFrame struct {
	Symbol  string  `json:"symbol"`
	SecType string  `json:"secType"`
	Expiry  string  `json:"expiry,omitempty"`
	Strike  float64 `json:"strike,omitempty"`
	Right   string  `json:"right,omitempty"`
}

func encodeInstrument(inst types.Instrument) instrumentFrame {
	return instrumentFrame{
		Symbol:  inst.Symbol,
		SecType: string(inst.SecType),
		Expiry:  inst.Expiry,
		Strike:  inst.Strike,
		Right:   string(inst.Right),
	}
}

func encodeLeg(orderID int64, leg types.OrderLeg) orderFrame {
	f := orderFrame{
		Op:         "order",
		OrderID:    orderID,
		Instrument: encodeInstrument(leg.Instrument),
		Side:       string(leg.Side),
		Quantity:   leg.Quantity,
		Type:       string(leg.Type),
	}
	if leg.LimitPrice != nil {
		f.LimitPrice = leg.LimitPrice.String()
	}
	return f
}

// inboundFrame is the gjson-probed view of one gateway message. Frames are
// probed loosely first so a malformed field never kills the read loop.
type inboundFrame struct {
	raw gjson.Result
}

func decodeFrame(data []byte) (inboundFrame, bool) {
	if !gjson.ValidBytes(data) {
		return inboundFrame{}, false
	}
	return inboundFrame{raw: gjson.ParseBytes(data)}, true
}

func (f inboundFrame) Type() string   { return f.raw.Get("type").String() }
func (f inboundFrame) ReqID() int64   { return f.raw.Get("reqId").Int() }
func (f inboundFrame) OrderID() int64 { return f.raw.Get("orderId").Int() }
func (f inboundFrame) Code() int      { return int(f.raw.Get("code").Int()) }
func (f inboundFrame) Message() string {
	return f.raw.Get("message").String()
}
func (f inboundFrame) OK() bool { return f.raw.Get("ok").Bool() }

func (f inboundFrame) decimalField(name string) decimal.Decimal {
	v := f.raw.Get(name)
	if !v.Exists() {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (f inboundFrame) instrument() types.Instrument {
	inst := f.raw.Get("instrument")
	return types.Instrument{
		Symbol:  inst.Get("symbol").String(),
		SecType: types.SecType(inst.Get("secType").String()),
		Expiry:  inst.Get("expiry").String(),
		Strike:  inst.Get("strike").Float(),
		Right:   types.Right(inst.Get("right").String()),
	}
}

func (f inboundFrame) timestamp() time.Time {
	if ms := f.raw.Get("ts").Int(); ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Now()
}

func (f inboundFrame) quote(inst types.Instrument) types.Quote {
	return types.Quote{
		Instrument: inst,
		Last:       f.decimalField("last"),
		Bid:        f.decimalField("bid"),
		Ask:        f.decimalField("ask"),
		ImpliedVol: f.raw.Get("iv").Float(),
		Delta:      f.raw.Get("delta").Float(),
		Gamma:      f.raw.Get("gamma").Float(),
		Theta:      f.raw.Get("theta").Float(),
		Vega:       f.raw.Get("vega").Float(),
		UpdatedAt:  f.timestamp(),
	}
}

func (f inboundFrame) fill() events.Fill {
	return events.Fill{
		BrokerOrderID: f.OrderID(),
		Instrument:    f.instrument(),
		Side:          types.Side(f.raw.Get("side").String()),
		Quantity:      f.raw.Get("qty").Int(),
		Price:         f.decimalField("price"),
		At:            f.timestamp(),
	}
}

func (f inboundFrame) orderUpdate() events.OrderUpdate {
	return events.OrderUpdate{
		BrokerOrderID: f.OrderID(),
		Status:        f.raw.Get("status").String(),
		Filled:        f.raw.Get("filled").Int(),
		Remaining:     f.raw.Get("remaining").Int(),
		AvgPrice:      f.decimalField("avgPrice"),
	}
}

func (f inboundFrame) account() types.AccountSummary {
	return types.AccountSummary{
		Cash:          f.decimalField("cash"),
		Margin:        f.decimalField("margin"),
		RealizedPnL:   f.decimalField("realizedPnl"),
		UnrealizedPnL: f.decimalField("unrealizedPnl"),
		UpdatedAt:     f.timestamp(),
	}
}

func (f inboundFrame) position() types.Position {
	return types.Position{
		Instrument: f.instrument(),
		Quantity:   f.raw.Get("qty").Int(),
		AvgCost:    f.decimalField("avgCost"),
	}
}

// OpenOrder is one broker-side open order returned during reconciliation.
type OpenOrder struct {
	BrokerOrderID int64
	Status        string
	Filled        int64
	Remaining     int64
	AvgPrice      decimal.Decimal
}

func (f inboundFrame) openOrder() OpenOrder {
	return OpenOrder{
		BrokerOrderID: f.OrderID(),
		Status:        f.raw.Get("status").String(),
		Filled:        f.raw.Get("filled").Int(),
		Remaining:     f.raw.Get("remaining").Int(),
		AvgPrice:      f.decimalField("avgPrice"),
	}
}
