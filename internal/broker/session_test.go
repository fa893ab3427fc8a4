package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"condor/internal/condorerr"
	"condor/internal/events"
	"condor/internal/marketdata"
	"condor/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scripted link: tests queue inbound frames and inspect
// recorded writes.
type fakeTransport struct {
	in        chan []byte
	mu        sync.Mutex
	writes    []any
	closeOnce sync.Once
	closed    chan struct{}
	writeErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteFrame(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, v)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) deliver(frame string) { t.in <- []byte(frame) }

func (t *fakeTransport) written() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.writes...)
}

// scriptedDialer hands out transports in order, failing once they run out.
func scriptedDialer(transports ...*fakeTransport) Dialer {
	var mu sync.Mutex
	i := 0
	return func(context.Context, string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(transports) {
			return nil, errors.New("no more transports")
		}
		t := transports[i]
		i++
		return t, nil
	}
}

func authOK() string { return `{"type":"authAck","ok":true}` }

func newTestSession(dial Dialer) (*Session, *events.Bus, *marketdata.Cache) {
	bus := events.NewBus(256)
	cache := marketdata.NewCache()
	s := NewSession(Config{
		Endpoint:         "ws://test",
		ClientID:         1,
		HandshakeTimeout: time.Second,
		IdleTimeout:      time.Hour, // watchdog out of the way
		BackoffBase:      time.Millisecond,
		BackoffCap:       5 * time.Millisecond,
		MaxAttempts:      3,
		QueryTimeout:     time.Second,
	}, dial, bus, cache)
	return s, bus, cache
}

func waitState(t *testing.T, s *Session, want types.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck at %s", want, s.State())
}

func TestConnectHandshake(t *testing.T) {
	tr := newFakeTransport()
	tr.deliver(authOK())
	s, bus, _ := newTestSession(scriptedDialer(tr))
	defer bus.Close()

	s.Connect(context.Background())
	waitState(t, s, types.SessionConnected)

	writes := tr.written()
	require.NotEmpty(t, writes)
	auth, ok := writes[0].(authFrame)
	require.True(t, ok)
	assert.Equal(t, "auth", auth.Op)
	assert.Equal(t, 1, auth.ClientID)

	s.Disconnect()
	assert.Equal(t, types.SessionDisconnected, s.State())
}

func TestConnectOnceRefusedAuth(t *testing.T) {
	tr := newFakeTransport()
	tr.deliver(`{"type":"authAck","ok":false,"message":"bad client id"}`)
	s, bus, _ := newTestSession(scriptedDialer(tr))
	defer bus.Close()

	_, err := s.connectOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth refused")
}

func TestSupervisorGivesUpWithFatalStatus(t *testing.T) {
	dial := func(context.Context, string) (Transport, error) {
		return nil, errors.New("connection refused")
	}
	s, bus, _ := newTestSession(dial)
	defer bus.Close()

	fatal := make(chan types.SessionStatus, 1)
	bus.SubscribeStatus(func(ev events.Status) {
		if ev.Session.Fatal {
			select {
			case fatal <- ev.Session:
			default:
			}
		}
	})

	s.Connect(context.Background())
	select {
	case st := <-fatal:
		assert.Equal(t, types.SessionDisconnected, st.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal status after exhausting attempts")
	}
}

func TestReconnectReplaysSubscriptionsNotOrders(t *testing.T) {
	first := newFakeTransport()
	first.deliver(authOK())
	second := newFakeTransport()
	second.deliver(authOK())
	s, bus, _ := newTestSession(scriptedDialer(first, second))
	defer bus.Close()

	s.Connect(context.Background())
	waitState(t, s, types.SessionConnected)

	inst := types.Option("SPX", "20260918", 6400, types.RightPut)
	_, err := s.RequestMarketData(inst)
	require.NoError(t, err)

	order := &types.StrategyOrder{ID: "o1", Legs: []types.OrderLeg{
		{Instrument: inst, Side: types.SideSell, Quantity: 1, Type: types.OrderMarket},
	}}
	_, err = s.SubmitOrder(order, s.AllocateOrderIDs(len(order.Legs)))
	require.NoError(t, err)

	// Kill the first link; the supervisor reconnects on the second.
	first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(second.written()) > 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var subs, orders int
	for _, w := range second.written() {
		switch w.(type) {
		case subscribeFrame:
			subs++
		case orderFrame:
			orders++
		}
	}
	assert.Equal(t, 1, subs, "market data subscription must be replayed")
	assert.Zero(t, orders, "orders must never be resubmitted on reconnect")

	s.Disconnect()
}

func TestTickFlowsToCacheAndBus(t *testing.T) {
	tr := newFakeTransport()
	tr.deliver(authOK())
	s, bus, cache := newTestSession(scriptedDialer(tr))
	defer bus.Close()

	ticks := make(chan events.Tick, 1)
	bus.SubscribeTicks(func(ev events.Tick) {
		select {
		case ticks <- ev:
		default:
		}
	})

	s.Connect(context.Background())
	waitState(t, s, types.SessionConnected)

	inst := types.Option("SPX", "20260918", 6400, types.RightPut)
	reqID, err := s.RequestMarketData(inst)
	require.NoError(t, err)

	tr.deliver(fmt.Sprintf(
		`{"type":"tick","reqId":%d,"bid":"1.20","ask":"1.40","delta":-0.31,"ts":%d}`,
		reqID, time.Now().UnixMilli()))

	select {
	case ev := <-ticks:
		assert.Equal(t, inst, ev.Quote.Instrument)
		assert.True(t, ev.Quote.Bid.Equal(decimal.NewFromFloat(1.20)))
	case <-time.After(2 * time.Second):
		t.Fatal("tick never fanned out")
	}
	q, ok := cache.Snapshot(inst)
	require.True(t, ok)
	assert.Equal(t, -0.31, q.Delta)

	s.Disconnect()
}

func TestSubmitOrderAssignsPerLegIDs(t *testing.T) {
	tr := newFakeTransport()
	tr.deliver(authOK())
	s, bus, _ := newTestSession(scriptedDialer(tr))
	defer bus.Close()

	s.Connect(context.Background())
	waitState(t, s, types.SessionConnected)

	inst1 := types.Option("SPX", "20260918", 6400, types.RightPut)
	inst2 := types.Option("SPX", "20260918", 6500, types.RightCall)
	price := decimal.NewFromFloat(1.25)
	order := &types.StrategyOrder{ID: "o1", Legs: []types.OrderLeg{
		{Instrument: inst1, Side: types.SideSell, Quantity: 2, Type: types.OrderLimit, LimitPrice: &price},
		{Instrument: inst2, Side: types.SideSell, Quantity: 2, Type: types.OrderLimit, LimitPrice: &price},
	}}
	ids := s.AllocateOrderIDs(len(order.Legs))
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
	written, err := s.SubmitOrder(order, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	var frames []orderFrame
	for _, w := range tr.written() {
		if f, ok := w.(orderFrame); ok {
			frames = append(frames, f)
		}
	}
	require.Len(t, frames, 2)
	assert.Equal(t, ids[0], frames[0].OrderID)
	assert.Equal(t, "1.25", frames[0].LimitPrice)

	s.Disconnect()
}

func TestSubmitWhileDisconnectedRejects(t *testing.T) {
	s, bus, _ := newTestSession(scriptedDialer())
	defer bus.Close()

	order := &types.StrategyOrder{ID: "o1", Legs: []types.OrderLeg{{
		Instrument: types.Option("SPX", "20260918", 6400, types.RightPut),
		Side:       types.SideSell, Quantity: 1, Type: types.OrderMarket,
	}}}
	_, err := s.SubmitOrder(order, s.AllocateOrderIDs(len(order.Legs)))
	assert.True(t, condorerr.IsReason(err, condorerr.ReasonNotConnected))
}

func TestErrorDemux(t *testing.T) {
	tr := newFakeTransport()
	tr.deliver(authOK())
	s, bus, _ := newTestSession(scriptedDialer(tr))
	defer bus.Close()

	rejections := make(chan events.OrderUpdate, 1)
	bus.SubscribeOrders(func(ev events.OrderEvent) {
		if u, ok := ev.(events.OrderUpdate); ok && u.Status == "Rejected" {
			select {
			case rejections <- u:
			default:
			}
		}
	})

	s.Connect(context.Background())
	waitState(t, s, types.SessionConnected)

	// Transient notice: no state change, no order event.
	tr.deliver(`{"type":"error","code":2104,"message":"market data farm OK"}`)
	// Order rejection lands on the owning order.
	tr.deliver(`{"type":"error","code":201,"orderId":1007,"message":"rejected - margin"}`)

	select {
	case u := <-rejections:
		assert.Equal(t, int64(1007), u.BrokerOrderID)
		assert.Equal(t, 201, u.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection never surfaced")
	}
	assert.Equal(t, types.SessionConnected, s.State())

	s.Disconnect()
}

func TestFatalGatewayErrorForcesReconnect(t *testing.T) {
	first := newFakeTransport()
	first.deliver(authOK())
	second := newFakeTransport()
	second.deliver(authOK())
	s, bus, _ := newTestSession(scriptedDialer(first, second))
	defer bus.Close()

	s.Connect(context.Background())
	waitState(t, s, types.SessionConnected)

	first.deliver(`{"type":"error","code":1100,"message":"connectivity lost"}`)
	// The supervisor tears down the first link and connects the second.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(second.written()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotEmpty(t, second.written(), "no reconnect after fatal gateway error")

	s.Disconnect()
}

func TestRequestOpenOrders(t *testing.T) {
	tr := newFakeTransport()
	tr.deliver(authOK())
	s, bus, _ := newTestSession(scriptedDialer(tr))
	defer bus.Close()

	s.Connect(context.Background())
	waitState(t, s, types.SessionConnected)

	go func() {
		// Answer the query once it shows up on the wire.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			for _, w := range tr.written() {
				if q, ok := w.(queryFrame); ok && q.Op == "openOrders" {
					tr.deliver(fmt.Sprintf(`{"type":"openOrder","reqId":%d,"orderId":1007,"status":"Submitted","filled":1,"remaining":1,"avgPrice":"1.30"}`, q.ReqID))
					tr.deliver(fmt.Sprintf(`{"type":"openOrdersEnd","reqId":%d}`, q.ReqID))
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	open, err := s.RequestOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(1007), open[0].BrokerOrderID)
	assert.Equal(t, int64(1), open[0].Remaining)

	s.Disconnect()
}

func TestClassifyDefaultsToOrderRejected(t *testing.T) {
	assert.Equal(t, classConnectionFatal, classify(1100))
	assert.Equal(t, classTransient, classify(2104))
	assert.Equal(t, classOrderRejected, classify(201))
	// Unknown codes fail safe as order problems.
	assert.Equal(t, classOrderRejected, classify(99999))
}

func TestSubmitBreaker(t *testing.T) {
	b := newSubmitBreaker(2, 10*time.Millisecond)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow(), "breaker must open after threshold failures")

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow(), "half-open admits a probe after cooldown")
	b.RecordSuccess()
	assert.True(t, b.Allow())
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	_, ok := decodeFrame([]byte(`{"type":`))
	assert.False(t, ok)
	f, ok := decodeFrame([]byte(`{"type":"fill","orderId":7,"qty":2,"price":"1.35","side":"SELL"}`))
	require.True(t, ok)
	fill := f.fill()
	assert.Equal(t, int64(7), fill.BrokerOrderID)
	assert.Equal(t, int64(2), fill.Quantity)
	assert.True(t, fill.Price.Equal(decimal.NewFromFloat(1.35)))
	assert.Equal(t, types.SideSell, fill.Side)
}
