package broker

// errorClass is the demux bucket for a gateway error code.
type errorClass int

const (
	classTransient errorClass = iota
	classOrderRejected
	classConnectionFatal
)

// errorClasses maps every gateway error code we have observed to its
// handling class. The code space follows the TWS convention the gateway
// emulates: 1100/1300 series for link health, 2100 series for informational
// farm notices, low codes and 10xxx for order problems.
//
// Unlisted codes classify as order-rejected: an unknown failure must never be
// silently ignored, and refusing one order is the conservative outcome.
var errorClasses = map[int]errorClass{
	// Link health: force the reconnection sequence.
	1100: classConnectionFatal, // connectivity lost
	1101: classConnectionFatal, // connectivity restored, data lost
	1300: classConnectionFatal, // socket port reset
	2110: classConnectionFatal, // connectivity between gateway and server broken

	// Informational notices: log only.
	1102: classTransient, // connectivity restored, data maintained
	2103: classTransient, // market data farm broken
	2104: classTransient, // market data farm OK
	2105: classTransient, // historical data farm broken
	2106: classTransient, // historical data farm OK
	2107: classTransient, // historical data farm inactive
	2108: classTransient, // market data farm inactive
	2119: classTransient, // market data farm connecting
	2150: classTransient, // invalid position trade derived value
	10197: classTransient, // no market data during competing session

	// Order problems: resolve the owning order as rejected.
	110:   classOrderRejected, // price out of increment
	201:   classOrderRejected, // order rejected
	202:   classOrderRejected, // order cancelled
	203:   classOrderRejected, // security not available
	321:   classOrderRejected, // validation failure
	399:   classOrderRejected, // order message warning
	10147: classOrderRejected, // order to cancel not found
	10148: classOrderRejected, // order already cancelled
}

func classify(code int) errorClass {
	if class, ok := errorClasses[code]; ok {
		return class
	}
	return classOrderRejected
}
