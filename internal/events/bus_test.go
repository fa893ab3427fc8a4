package events

import (
	"sync"
	"testing"
	"time"

	"condor/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFanOutByKind(t *testing.T) {
	b := NewBus(16)
	defer b.Close()

	var mu sync.Mutex
	var ticks, orders, accounts, statuses int
	b.SubscribeTicks(func(Tick) { mu.Lock(); ticks++; mu.Unlock() })
	b.SubscribeOrders(func(OrderEvent) { mu.Lock(); orders++; mu.Unlock() })
	b.SubscribeAccount(func(AccountEvent) { mu.Lock(); accounts++; mu.Unlock() })
	b.SubscribeStatus(func(Status) { mu.Lock(); statuses++; mu.Unlock() })

	b.Publish(Tick{})
	b.Publish(OrderUpdate{BrokerOrderID: 1, Status: "Submitted"})
	b.Publish(AccountUpdate{})
	b.Publish(Status{Session: types.SessionStatus{State: types.SessionConnected}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks == 1 && orders == 1 && accounts == 1 && statuses == 1
	})
}

// A fill is both an order event and an account event; both sides must see it.
func TestFillReachesOrderAndAccountListeners(t *testing.T) {
	b := NewBus(16)
	defer b.Close()

	orderSide := make(chan Fill, 1)
	accountSide := make(chan Fill, 1)
	b.SubscribeOrders(func(ev OrderEvent) {
		if f, ok := ev.(Fill); ok {
			orderSide <- f
		}
	})
	b.SubscribeAccount(func(ev AccountEvent) {
		if f, ok := ev.(Fill); ok {
			accountSide <- f
		}
	})

	fill := Fill{BrokerOrderID: 42, Quantity: 2, Price: decimal.NewFromFloat(1.35)}
	require.True(t, b.Publish(fill))

	for _, ch := range []chan Fill{orderSide, accountSide} {
		select {
		case got := <-ch:
			assert.Equal(t, int64(42), got.BrokerOrderID)
		case <-time.After(2 * time.Second):
			t.Fatal("fill not delivered")
		}
	}
}

func TestPanicInOneHandlerDoesNotStarveOthers(t *testing.T) {
	b := NewBus(16)
	defer b.Close()

	b.SubscribeTicks(func(Tick) { panic("bad handler") })
	got := make(chan struct{}, 2)
	b.SubscribeTicks(func(Tick) { got <- struct{}{} })

	b.Publish(Tick{})
	b.Publish(Tick{})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("surviving handler starved after sibling panic")
		}
	}
}

func TestOrderingPreservedPerListener(t *testing.T) {
	b := NewBus(64)
	defer b.Close()

	var mu sync.Mutex
	var seen []int64
	b.SubscribeOrders(func(ev OrderEvent) {
		if u, ok := ev.(OrderUpdate); ok {
			mu.Lock()
			seen = append(seen, u.BrokerOrderID)
			mu.Unlock()
		}
	})

	for i := int64(1); i <= 20; i++ {
		require.True(t, b.Publish(OrderUpdate{BrokerOrderID: i, Status: "Submitted"}))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	})
	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		assert.Equal(t, int64(i+1), id)
	}
}

// Order events outlast backpressure: with a tiny buffer and a slow listener,
// every update still arrives. Only ticks may be shed.
func TestOrderEventsSurviveBackpressure(t *testing.T) {
	b := NewBus(2)
	defer b.Close()

	var mu sync.Mutex
	var seen []int64
	b.SubscribeOrders(func(ev OrderEvent) {
		time.Sleep(time.Millisecond)
		if u, ok := ev.(OrderUpdate); ok {
			mu.Lock()
			seen = append(seen, u.BrokerOrderID)
			mu.Unlock()
		}
	})

	for i := int64(1); i <= 50; i++ {
		require.True(t, b.Publish(OrderUpdate{BrokerOrderID: i, Status: "Submitted"}))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(16)
	defer b.Close()

	var mu sync.Mutex
	var count int
	tok := b.SubscribeStatus(func(Status) { mu.Lock(); count++; mu.Unlock() })

	b.Publish(Status{})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 })

	b.Unsubscribe(tok)
	b.Publish(Status{})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestPublishAfterCloseReturnsFalse(t *testing.T) {
	b := NewBus(16)
	b.Close()
	assert.False(t, b.Publish(Tick{}))
}
