// Package condorerr defines the reason-coded rejection errors shared by the
// risk gate, the broker session, and the execution pipeline. Every refusal to
// trade carries a machine-readable Reason so callers can branch without
// string matching.
package condorerr

import (
	"errors"
	"fmt"
)

type Reason string

const (
	ReasonNotConnected           Reason = "NOT_CONNECTED"
	ReasonDuplicateOrder         Reason = "DUPLICATE_ORDER"
	ReasonOrderTooLarge          Reason = "ORDER_TOO_LARGE"
	ReasonPositionLimitExceeded  Reason = "POSITION_LIMIT_EXCEEDED"
	ReasonDailyLossLimitReached  Reason = "DAILY_LOSS_LIMIT_REACHED"
	ReasonRateLimited            Reason = "RATE_LIMITED"
	ReasonTradingWindowClosed    Reason = "TRADING_WINDOW_CLOSED"
	ReasonStalePriceData         Reason = "STALE_PRICE_DATA"
	ReasonBrokerRejected         Reason = "BROKER_REJECTED"
	ReasonReconciliationRequired Reason = "RECONCILIATION_REQUIRED"
)

// Rejection is a refusal to accept or continue an order. BrokerCode is set
// only when the gateway itself rejected.
type Rejection struct {
	Reason     Reason
	Msg        string
	BrokerCode int
}

func (r *Rejection) Error() string {
	if r.BrokerCode != 0 {
		return fmt.Sprintf("%s (code %d): %s", r.Reason, r.BrokerCode, r.Msg)
	}
	if r.Msg == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Msg)
}

// Is matches any *Rejection with the same Reason, so errors.Is works with a
// bare-reason target.
func (r *Rejection) Is(target error) bool {
	var other *Rejection
	if !errors.As(target, &other) {
		return false
	}
	return r.Reason == other.Reason
}

// Reject builds a reason-coded rejection.
func Reject(reason Reason, format string, args ...any) error {
	return &Rejection{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// BrokerReject wraps a gateway-reported rejection code and message.
func BrokerReject(code int, msg string) error {
	return &Rejection{Reason: ReasonBrokerRejected, Msg: msg, BrokerCode: code}
}

// ReasonOf extracts the reason from err, or "" when err carries none.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// IsReason reports whether err is a rejection with the given reason.
func IsReason(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}
