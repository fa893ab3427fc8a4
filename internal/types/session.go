package types

type SessionState string

const (
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionConnecting   SessionState = "CONNECTING"
	SessionConnected    SessionState = "CONNECTED"
	SessionDegraded     SessionState = "DEGRADED"
)

// SessionStatus is emitted on every connection state transition. Fatal is set
// when the reconnect supervisor has exhausted its attempts.
type SessionStatus struct {
	State  SessionState
	Detail string
	Fatal  bool
}
