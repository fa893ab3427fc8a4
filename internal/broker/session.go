package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"condor/internal/condorerr"
	"condor/internal/events"
	"condor/internal/logger"
	"condor/internal/marketdata"
	"condor/internal/types"
)

type Config struct {
	Endpoint         string
	ClientID         int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // no inbound frame for this long => DEGRADED
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxAttempts      int
	QueryTimeout     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
}

// Session owns the single gateway connection: state machine, request-id
// correlation, error demultiplexing, and the reconnect supervisor. All
// connection-state mutation happens on the supervisor goroutine or under mu.
type Session struct {
	cfg  Config
	dial Dialer
	bus  *events.Bus
	cache *marketdata.Cache

	mu        sync.Mutex
	state     types.SessionState
	transport Transport
	supCancel context.CancelFunc
	supDone   chan struct{}
	subs      map[int64]types.Instrument
	pending   map[int64]*openOrderQuery

	nextID    atomic.Int64
	lastFrame atomic.Int64 // unix nanos of the most recent inbound frame
	breaker   *submitBreaker
}

type openOrderQuery struct {
	orders []OpenOrder
	done   chan struct{}
}

func NewSession(cfg Config, dial Dialer, bus *events.Bus, cache *marketdata.Cache) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:     cfg,
		dial:    dial,
		bus:     bus,
		cache:   cache,
		state:   types.SessionDisconnected,
		subs:    make(map[int64]types.Instrument),
		pending: make(map[int64]*openOrderQuery),
		breaker: newSubmitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	s.nextID.Store(1000)
	return s
}

func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection supervisor. A supervisor already running is
// cancelled first, so there is never more than one reconnection loop. The
// outcome arrives as Status events; callers watch the bus.
func (s *Session) Connect(ctx context.Context) {
	s.stopSupervisor()

	supCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.supCancel = cancel
	s.supDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.supervise(supCtx)
	}()
}

// Disconnect tears the session down from any state. Idempotent; always ends
// DISCONNECTED.
func (s *Session) Disconnect() {
	s.stopSupervisor()
	s.closeTransport()
	s.setState(types.SessionDisconnected, "disconnect requested", false)
}

func (s *Session) stopSupervisor() {
	s.mu.Lock()
	cancel, done := s.supCancel, s.supDone
	s.supCancel, s.supDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Session) closeTransport() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

// supervise runs connect attempts with exponential backoff until the context
// is cancelled or the attempt limit is exhausted. Backoff resets after every
// successful connection.
func (s *Session) supervise(ctx context.Context) {
	backoff := s.cfg.BackoffBase
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(types.SessionConnecting, fmt.Sprintf("attempt %d", attempts+1), false)

		t, err := s.connectOnce(ctx)
		if err != nil {
			attempts++
			logger.Warnf("broker: connect attempt %d failed: %v", attempts, err)
			if attempts >= s.cfg.MaxAttempts {
				s.setState(types.SessionDisconnected,
					fmt.Sprintf("giving up after %d attempts: %v", attempts, err), true)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.cfg.BackoffCap {
				backoff = s.cfg.BackoffCap
			}
			continue
		}

		attempts = 0
		backoff = s.cfg.BackoffBase
		reason := s.runConnection(ctx, t)
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("broker: connection lost: %v", reason)
		// loop back into the reconnect sequence
	}
}

// connectOnce dials and completes the auth handshake synchronously.
func (s *Session) connectOnce(ctx context.Context) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	t, err := s.dial(dialCtx, s.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := t.WriteFrame(authFrame{Op: "auth", ClientID: s.cfg.ClientID}); err != nil {
		t.Close()
		return nil, fmt.Errorf("auth write: %w", err)
	}
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for time.Now().Before(deadline) {
		data, err := t.ReadFrame()
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("auth read: %w", err)
		}
		f, ok := decodeFrame(data)
		if !ok {
			continue
		}
		if f.Type() == "authAck" {
			if !f.OK() {
				t.Close()
				return nil, fmt.Errorf("auth refused: %s", f.Message())
			}
			return t, nil
		}
	}
	t.Close()
	return nil, errors.New("auth handshake timed out")
}

// runConnection owns one live connection: publishes CONNECTED, replays market
// data subscriptions, then pumps frames until the link dies or ctx ends.
// In-flight orders are never resubmitted here; the pipeline reconciles them
// after seeing the status transition.
func (s *Session) runConnection(ctx context.Context, t Transport) error {
	s.mu.Lock()
	s.transport = t
	resubs := make(map[int64]types.Instrument, len(s.subs))
	for id, inst := range s.subs {
		resubs[id] = inst
	}
	s.mu.Unlock()

	s.lastFrame.Store(time.Now().UnixNano())
	s.setState(types.SessionConnected, "handshake complete", false)

	for id, inst := range resubs {
		if err := t.WriteFrame(subscribeFrame{Op: "subscribe", ReqID: id, Instrument: encodeInstrument(inst)}); err != nil {
			logger.Warnf("broker: resubscribe %s failed: %v", inst, err)
		}
	}
	if len(resubs) > 0 {
		logger.Infof("broker: replayed %d market data subscriptions", len(resubs))
	}

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(t) }()

	watchdog := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.transport = nil
			s.mu.Unlock()
			t.Close()
			<-readErr
			s.setState(types.SessionDisconnected, "supervisor cancelled", false)
			return ctx.Err()
		case err := <-readErr:
			s.mu.Lock()
			s.transport = nil
			s.mu.Unlock()
			t.Close()
			s.failPendingQueries()
			s.setState(types.SessionDisconnected, fmt.Sprintf("read loop ended: %v", err), false)
			return err
		case <-watchdog.C:
			idle := time.Since(time.Unix(0, s.lastFrame.Load()))
			if idle > s.cfg.IdleTimeout {
				// Silently dead link: flag DEGRADED so in-flight work is
				// treated as suspect, then force the reconnect sequence.
				s.setState(types.SessionDegraded, fmt.Sprintf("no data for %s", idle.Truncate(time.Second)), false)
				t.Close()
			}
		}
	}
}

func (s *Session) readLoop(t Transport) error {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			return err
		}
		s.lastFrame.Store(time.Now().UnixNano())
		f, ok := decodeFrame(data)
		if !ok {
			logger.Warnf("broker: dropping malformed frame (%d bytes)", len(data))
			continue
		}
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f inboundFrame) {
	switch f.Type() {
	case "tick":
		s.mu.Lock()
		inst, ok := s.subs[f.ReqID()]
		s.mu.Unlock()
		if !ok {
			return
		}
		q := f.quote(inst)
		if s.cache.Apply(q) {
			s.bus.Publish(events.Tick{Quote: q})
		}
	case "fill":
		s.bus.Publish(f.fill())
	case "orderStatus":
		s.bus.Publish(f.orderUpdate())
	case "account":
		s.bus.Publish(events.AccountUpdate{Account: f.account()})
	case "position":
		s.bus.Publish(events.PositionReport{Position: f.position()})
	case "openOrder":
		s.appendOpenOrder(f)
	case "openOrdersEnd":
		s.finishOpenOrders(f.ReqID())
	case "heartbeat":
		// lastFrame already bumped
	case "error":
		s.handleError(f)
	default:
		logger.Debugf("broker: ignoring frame type %q", f.Type())
	}
}

// handleError demultiplexes a gateway error frame per the classification
// table. Unknown codes land on the owning order as a generic rejection.
func (s *Session) handleError(f inboundFrame) {
	code, msg := f.Code(), f.Message()
	switch classify(code) {
	case classTransient:
		logger.Infof("broker: gateway notice code=%d: %s", code, msg)
	case classConnectionFatal:
		logger.Errorf("broker: fatal gateway error code=%d: %s", code, msg)
		s.setState(types.SessionDegraded, fmt.Sprintf("gateway error %d: %s", code, msg), false)
		s.closeTransport() // the supervisor reconnects
	case classOrderRejected:
		orderID := f.OrderID()
		if orderID == 0 {
			logger.Warnf("broker: unowned error code=%d: %s", code, msg)
			return
		}
		s.bus.Publish(events.OrderUpdate{
			BrokerOrderID: orderID,
			Status:        "Rejected",
			Code:          code,
			Message:       msg,
		})
	}
}

func (s *Session) setState(state types.SessionState, detail string, fatal bool) {
	s.mu.Lock()
	if s.state == state && !fatal {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.mu.Unlock()
	logger.Infof("broker: session %s -> %s (%s)", prev, state, detail)
	s.bus.Publish(events.Status{Session: types.SessionStatus{State: state, Detail: detail, Fatal: fatal}})
}

func (s *Session) connectedTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.SessionConnected || s.transport == nil {
		return nil, condorerr.Reject(condorerr.ReasonNotConnected, "session is %s", s.state)
	}
	return s.transport, nil
}

// RequestMarketData subscribes to ticks for inst. Valid only while CONNECTED.
// The subscription survives reconnects; ticks land in the cache and fan out
// on the bus.
func (s *Session) RequestMarketData(inst types.Instrument) (int64, error) {
	t, err := s.connectedTransport()
	if err != nil {
		return 0, err
	}
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.subs[id] = inst
	s.mu.Unlock()
	if err := t.WriteFrame(subscribeFrame{Op: "subscribe", ReqID: id, Instrument: encodeInstrument(inst)}); err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return 0, fmt.Errorf("subscribe %s: %w", inst, err)
	}
	return id, nil
}

func (s *Session) CancelMarketData(subID int64) {
	s.mu.Lock()
	_, ok := s.subs[subID]
	delete(s.subs, subID)
	t := s.transport
	s.mu.Unlock()
	if ok && t != nil {
		_ = t.WriteFrame(unsubscribeFrame{Op: "unsubscribe", ReqID: subID})
	}
}

// ActiveSubscriptions returns the instruments currently subscribed, for the
// status surface and tests.
func (s *Session) ActiveSubscriptions() []types.Instrument {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Instrument, 0, len(s.subs))
	for _, inst := range s.subs {
		out = append(out, inst)
	}
	return out
}

// AllocateOrderIDs reserves n broker-level order ids from the monotonic
// counter. Callers register the ids before submitting so an execution report
// arriving the instant a leg hits the wire already has an owner.
func (s *Session) AllocateOrderIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = s.nextID.Add(1)
	}
	return ids
}

// SubmitOrder sends one broker-level order per leg using the pre-allocated
// ids and reports how many legs reached the wire. Fails synchronously when
// not CONNECTED; the caller must re-evaluate risk before retrying, never
// retry blindly.
func (s *Session) SubmitOrder(o *types.StrategyOrder, ids []int64) (int, error) {
	if len(ids) != len(o.Legs) {
		return 0, fmt.Errorf("submit %s: %d ids for %d legs", o.ID, len(ids), len(o.Legs))
	}
	t, err := s.connectedTransport()
	if err != nil {
		return 0, err
	}
	if !s.breaker.Allow() {
		return 0, condorerr.Reject(condorerr.ReasonNotConnected, "submission breaker open")
	}
	for i, leg := range o.Legs {
		if err := t.WriteFrame(encodeLeg(ids[i], leg)); err != nil {
			s.breaker.RecordFailure()
			// A failed write mid-order leaves earlier legs live at the
			// broker; report the count so the pipeline can reconcile.
			return i, fmt.Errorf("submit leg %d of %s: %w", i, o.ID, err)
		}
	}
	s.breaker.RecordSuccess()
	return len(o.Legs), nil
}

func (s *Session) CancelOrder(brokerOrderID int64) error {
	t, err := s.connectedTransport()
	if err != nil {
		return err
	}
	return t.WriteFrame(cancelFrame{Op: "cancel", OrderID: brokerOrderID})
}

// RequestOpenOrders queries broker-side open orders for reconciliation. The
// wait is bounded by ctx and the configured query timeout.
func (s *Session) RequestOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	t, err := s.connectedTransport()
	if err != nil {
		return nil, err
	}
	id := s.nextID.Add(1)
	q := &openOrderQuery{done: make(chan struct{})}
	s.mu.Lock()
	s.pending[id] = q
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := t.WriteFrame(queryFrame{Op: "openOrders", ReqID: id}); err != nil {
		return nil, fmt.Errorf("open orders query: %w", err)
	}
	select {
	case <-q.done:
		return q.orders, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.cfg.QueryTimeout):
		return nil, errors.New("open orders query timed out")
	}
}

func (s *Session) appendOpenOrder(f inboundFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.pending[f.ReqID()]; ok {
		q.orders = append(q.orders, f.openOrder())
	}
}

func (s *Session) finishOpenOrders(reqID int64) {
	s.mu.Lock()
	q, ok := s.pending[reqID]
	s.mu.Unlock()
	if ok {
		close(q.done)
	}
}

func (s *Session) failPendingQueries() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*openOrderQuery)
	s.mu.Unlock()
	for _, q := range pending {
		close(q.done)
	}
}

// RequestAccountData asks the gateway to start streaming account figures and
// current positions; replies arrive as bus events.
func (s *Session) RequestAccountData() error {
	t, err := s.connectedTransport()
	if err != nil {
		return err
	}
	if err := t.WriteFrame(queryFrame{Op: "account", ReqID: s.nextID.Add(1)}); err != nil {
		return err
	}
	return t.WriteFrame(queryFrame{Op: "positions", ReqID: s.nextID.Add(1)})
}
