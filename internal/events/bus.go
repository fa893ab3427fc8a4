package events

import (
	"runtime/debug"
	"sync"

	"condor/internal/logger"

	"github.com/google/uuid"
)

// Token identifies one subscription for later removal.
type Token struct {
	kind string
	id   uuid.UUID
}

// Bus decouples the broker session from its consumers. Publish never blocks
// longer than the channel buffer allows; dispatch runs on the bus goroutine,
// so handlers must offload heavy work instead of executing it inline.
type Bus struct {
	ch     chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	tickSubs    map[uuid.UUID]func(Tick)
	statusSubs  map[uuid.UUID]func(Status)
	orderSubs   map[uuid.UUID]func(OrderEvent)
	accountSubs map[uuid.UUID]func(AccountEvent)
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		ch:          make(chan Event, buffer),
		stopCh:      make(chan struct{}),
		tickSubs:    make(map[uuid.UUID]func(Tick)),
		statusSubs:  make(map[uuid.UUID]func(Status)),
		orderSubs:   make(map[uuid.UUID]func(OrderEvent)),
		accountSubs: make(map[uuid.UUID]func(AccountEvent)),
	}
	b.wg.Add(1)
	go b.drain()
	return b
}

// Publish enqueues one event. Ticks are refreshable market data, so a full
// buffer drops them rather than stalling the producer's read loop. Everything
// else is lossless: a dropped fill strands an order with no disconnect to
// trigger reconciliation, so order, account and status events wait for buffer
// space instead.
func (b *Bus) Publish(ev Event) bool {
	select {
	case <-b.stopCh:
		return false
	default:
	}
	if _, refreshable := ev.(Tick); refreshable {
		select {
		case b.ch <- ev:
			return true
		default:
			logger.Warnf("events: bus buffer full, dropping tick")
			return false
		}
	}
	select {
	case b.ch <- ev:
		return true
	case <-b.stopCh:
		return false
	}
}

func (b *Bus) Close() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Bus) SubscribeTicks(fn func(Tick)) Token {
	id := uuid.New()
	b.mu.Lock()
	b.tickSubs[id] = fn
	b.mu.Unlock()
	return Token{kind: "tick", id: id}
}

func (b *Bus) SubscribeStatus(fn func(Status)) Token {
	id := uuid.New()
	b.mu.Lock()
	b.statusSubs[id] = fn
	b.mu.Unlock()
	return Token{kind: "status", id: id}
}

func (b *Bus) SubscribeOrders(fn func(OrderEvent)) Token {
	id := uuid.New()
	b.mu.Lock()
	b.orderSubs[id] = fn
	b.mu.Unlock()
	return Token{kind: "order", id: id}
}

func (b *Bus) SubscribeAccount(fn func(AccountEvent)) Token {
	id := uuid.New()
	b.mu.Lock()
	b.accountSubs[id] = fn
	b.mu.Unlock()
	return Token{kind: "account", id: id}
}

func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch tok.kind {
	case "tick":
		delete(b.tickSubs, tok.id)
	case "status":
		delete(b.statusSubs, tok.id)
	case "order":
		delete(b.orderSubs, tok.id)
	case "account":
		delete(b.accountSubs, tok.id)
	}
}

func (b *Bus) drain() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			// Flush whatever is already queued so late fills are not lost.
			for {
				select {
				case ev := <-b.ch:
					b.dispatch(ev)
				default:
					return
				}
			}
		case ev := <-b.ch:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	var (
		ticks    []func(Tick)
		statuses []func(Status)
		orders   []func(OrderEvent)
		accounts []func(AccountEvent)
	)
	switch ev.(type) {
	case Tick:
		ticks = collect(b.tickSubs)
	case Status:
		statuses = collect(b.statusSubs)
	case Fill:
		orders = collect(b.orderSubs)
		accounts = collect(b.accountSubs)
	case OrderUpdate:
		orders = collect(b.orderSubs)
	case AccountUpdate, PositionReport:
		accounts = collect(b.accountSubs)
	}
	b.mu.RUnlock()

	switch e := ev.(type) {
	case Tick:
		for _, fn := range ticks {
			safeCall(func() { fn(e) })
		}
	case Status:
		for _, fn := range statuses {
			safeCall(func() { fn(e) })
		}
	case Fill:
		for _, fn := range orders {
			safeCall(func() { fn(e) })
		}
		for _, fn := range accounts {
			safeCall(func() { fn(e) })
		}
	case OrderUpdate:
		for _, fn := range orders {
			safeCall(func() { fn(e) })
		}
	case AccountUpdate:
		for _, fn := range accounts {
			safeCall(func() { fn(e) })
		}
	case PositionReport:
		for _, fn := range accounts {
			safeCall(func() { fn(e) })
		}
	}
}

// safeCall isolates handler panics so one bad listener cannot break delivery
// to the rest.
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("events: handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

func collect[T any](m map[uuid.UUID]T) []T {
	out := make([]T, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}
