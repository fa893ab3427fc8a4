package broker

import (
	"sync"
	"time"

	"condor/internal/logger"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// submitBreaker trips after consecutive gateway submit failures so a flapping
// link does not get hammered with order traffic. Half-open admits one probe
// after the cooldown.
type submitBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
}

func newSubmitBreaker(threshold int, cooldown time.Duration) *submitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &submitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *submitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.transition(breakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *submitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.transition(breakerClosed)
	}
	b.failures = 0
}

func (b *submitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	switch b.state {
	case breakerClosed:
		if b.failures >= b.threshold {
			b.transition(breakerOpen)
		}
	case breakerHalfOpen:
		b.transition(breakerOpen)
	}
}

func (b *submitBreaker) transition(to breakerState) {
	from := b.state
	b.state = to
	logger.Warnf("broker: submit breaker %s -> %s (failures=%d/%d)", from, to, b.failures, b.threshold)
}
