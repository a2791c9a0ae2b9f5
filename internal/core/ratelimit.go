package core

import (
	"sync"
	"time"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window admission gate keyed by connection id.
// The first admitted event in a window records (count=1, resetAt=now+window);
// subsequent events increment until the cap, after which everything is
// refused until the window elapses and a fresh one starts.
//
// Token-bucket smoothing is deliberately not used here: the contract is
// exactly RateLimitMaxEvents per window with a hard reset, so clients can
// reason about when they are admitted again.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	window    time.Duration
	maxEvents int
	highWater int
	now       func() time.Time
}

// NewRateLimiter returns a limiter with the default window and cap.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows:   make(map[string]*rateWindow),
		window:    RateLimitWindow,
		maxEvents: RateLimitMaxEvents,
		highWater: RateLimitHighWater,
		now:       time.Now,
	}
}

// Admit reports whether one more chat-mutating event from connID is allowed.
func (l *RateLimiter) Admit(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) > l.highWater {
		l.reclaimLocked(now)
	}

	w, ok := l.windows[connID]
	if !ok || now.After(w.resetAt) {
		l.windows[connID] = &rateWindow{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if w.count >= l.maxEvents {
		return false
	}
	w.count++
	return true
}

// Tracked returns the number of connection ids currently holding a window.
func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// reclaimLocked drops every expired window in one pass. Coarse wholesale
// reclamation past the high-water mark keeps the hot path free of per-entry
// expiry bookkeeping.
func (l *RateLimiter) reclaimLocked(now time.Time) {
	for id, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, id)
		}
	}
}
