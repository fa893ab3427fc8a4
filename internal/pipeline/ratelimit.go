package pipeline

import (
	"sync"
	"time"
)

// slidingWindow caps submissions per rolling interval. Slots are consumed at
// submission time, after risk approval, so slow risk evaluation cannot be
// used to sneak extra orders into the window.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &slidingWindow{limit: limit, window: window}
}

// Allow consumes one slot if the window has room. limit <= 0 disables the cap.
func (w *slidingWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit <= 0 {
		return true
	}
	cutoff := now.Add(-w.window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// SetLimit applies a reloaded cap to later submissions.
func (w *slidingWindow) SetLimit(limit int) {
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}
