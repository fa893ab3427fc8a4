package strategy

import (
	"fmt"
	"time"

	"condor/internal/types"
)

// BuildLegs produces the leg list for one definition from current market
// data. Pure over the quote source: no subscriptions, no submissions.
func BuildLegs(def Definition, quotes QuoteSource, now time.Time, loc *time.Location) ([]types.OrderLeg, error) {
	switch def.Type {
	case KindIronCondor:
		return buildIronCondor(def, quotes, now, loc)
	case KindDoubleCalendar:
		return buildDoubleCalendar(def, quotes, now, loc)
	case KindPutButterfly:
		return buildButterfly(def, quotes, now, loc, types.RightPut)
	case KindCallButterfly:
		return buildButterfly(def, quotes, now, loc, types.RightCall)
	default:
		return nil, fmt.Errorf("unknown strategy type %q", def.Type)
	}
}

// buildIronCondor sells a put and a call at the target deltas and buys wings
// WingWidth points further out. Four legs, equal quantity.
func buildIronCondor(def Definition, quotes QuoteSource, now time.Time, loc *time.Location) ([]types.OrderLeg, error) {
	expiry := ExpiryFromDTE(now, def.DTE, loc)

	shortPut, err := FindTargetDelta(quotes, def.Underlying, expiry, types.RightPut, def.PutDelta, now)
	if err != nil {
		return nil, fmt.Errorf("short put: %w", err)
	}
	shortCall, err := FindTargetDelta(quotes, def.Underlying, expiry, types.RightCall, def.CallDelta, now)
	if err != nil {
		return nil, fmt.Errorf("short call: %w", err)
	}
	longPut, ok := quoteAt(quotes, def.Underlying, expiry, types.RightPut, shortPut.Instrument.Strike-def.WingWidth)
	if !ok {
		return nil, fmt.Errorf("no quote for put wing at %.0f", shortPut.Instrument.Strike-def.WingWidth)
	}
	longCall, ok := quoteAt(quotes, def.Underlying, expiry, types.RightCall, shortCall.Instrument.Strike+def.WingWidth)
	if !ok {
		return nil, fmt.Errorf("no quote for call wing at %.0f", shortCall.Instrument.Strike+def.WingWidth)
	}

	return []types.OrderLeg{
		leg(longPut, types.SideBuy, def.Quantity),
		leg(shortPut, types.SideSell, def.Quantity),
		leg(shortCall, types.SideSell, def.Quantity),
		leg(longCall, types.SideBuy, def.Quantity),
	}, nil
}

// buildDoubleCalendar sells the near expiry and buys the far expiry at the
// same strike, on both the put and call side.
func buildDoubleCalendar(def Definition, quotes QuoteSource, now time.Time, loc *time.Location) ([]types.OrderLeg, error) {
	frontExpiry := ExpiryFromDTE(now, def.ShortDTE, loc)
	backExpiry := ExpiryFromDTE(now, def.LongDTE, loc)

	frontPut, err := FindTargetDelta(quotes, def.Underlying, frontExpiry, types.RightPut, def.PutDelta, now)
	if err != nil {
		return nil, fmt.Errorf("front put: %w", err)
	}
	frontCall, err := FindTargetDelta(quotes, def.Underlying, frontExpiry, types.RightCall, def.CallDelta, now)
	if err != nil {
		return nil, fmt.Errorf("front call: %w", err)
	}
	backPut, ok := quoteAt(quotes, def.Underlying, backExpiry, types.RightPut, frontPut.Instrument.Strike)
	if !ok {
		return nil, fmt.Errorf("no back-month put quote at %.0f", frontPut.Instrument.Strike)
	}
	backCall, ok := quoteAt(quotes, def.Underlying, backExpiry, types.RightCall, frontCall.Instrument.Strike)
	if !ok {
		return nil, fmt.Errorf("no back-month call quote at %.0f", frontCall.Instrument.Strike)
	}

	return []types.OrderLeg{
		leg(frontPut, types.SideSell, def.Quantity),
		leg(backPut, types.SideBuy, def.Quantity),
		leg(frontCall, types.SideSell, def.Quantity),
		leg(backCall, types.SideBuy, def.Quantity),
	}, nil
}

// buildButterfly is the 1-2-1: buy the lower wing, sell two at the center,
// buy the upper wing.
func buildButterfly(def Definition, quotes QuoteSource, now time.Time, loc *time.Location, right types.Right) ([]types.OrderLeg, error) {
	expiry := ExpiryFromDTE(now, def.DTE, loc)

	center, err := FindTargetDelta(quotes, def.Underlying, expiry, right, def.centerDelta(), now)
	if err != nil {
		return nil, fmt.Errorf("center strike: %w", err)
	}
	lower, ok := quoteAt(quotes, def.Underlying, expiry, right, center.Instrument.Strike-def.WingWidth)
	if !ok {
		return nil, fmt.Errorf("no quote for lower wing at %.0f", center.Instrument.Strike-def.WingWidth)
	}
	upper, ok := quoteAt(quotes, def.Underlying, expiry, right, center.Instrument.Strike+def.WingWidth)
	if !ok {
		return nil, fmt.Errorf("no quote for upper wing at %.0f", center.Instrument.Strike+def.WingWidth)
	}

	return []types.OrderLeg{
		leg(lower, types.SideBuy, def.Quantity),
		leg(center, types.SideSell, def.Quantity*2),
		leg(upper, types.SideBuy, def.Quantity),
	}, nil
}

// Describe renders the human label used on records and notifications.
func Describe(def Definition, legs []types.OrderLeg) string {
	if len(legs) == 0 {
		return def.Name
	}
	expiry := legs[0].Instrument.Expiry
	switch def.Type {
	case KindIronCondor:
		return fmt.Sprintf("Iron Condor %s %.0f/%.0f-%.0f/%.0f %s", def.Underlying,
			legs[0].Instrument.Strike, legs[1].Instrument.Strike,
			legs[2].Instrument.Strike, legs[3].Instrument.Strike, expiry)
	case KindDoubleCalendar:
		return fmt.Sprintf("Double Calendar %s P%.0f/C%.0f %s/%s", def.Underlying,
			legs[0].Instrument.Strike, legs[2].Instrument.Strike,
			legs[0].Instrument.Expiry, legs[1].Instrument.Expiry)
	case KindPutButterfly, KindCallButterfly:
		return fmt.Sprintf("%s Butterfly %s %.0f±%.0f %s",
			map[Kind]string{KindPutButterfly: "Put", KindCallButterfly: "Call"}[def.Type],
			def.Underlying, legs[1].Instrument.Strike, def.WingWidth, expiry)
	}
	return def.Name
}

func leg(q types.Quote, side types.Side, qty int64) types.OrderLeg {
	return types.OrderLeg{
		Instrument: q.Instrument,
		Side:       side,
		Quantity:   qty,
		Type:       types.OrderLimit,
		LimitPrice: limitFor(q),
	}
}
