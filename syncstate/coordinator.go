// Package syncstate implements the process-global sync coordinator (C4):
// it merges push and cron-fallback triggers while guaranteeing at most
// one sync per 5-minute market period. Grounded on the original
// SyncCoordinator (app/tasks.py).
package syncstate

import (
	"sync"
	"time"

	"github.com/openenergy/tariffsync/priceapi"
)

// PushPayload is the snapshot C1's callback hands to the coordinator.
type PushPayload struct {
	General priceapi.PriceInterval
	FeedIn  priceapi.PriceInterval
}

// Coordinator is a single, process-global instance. It is intentionally
// not an arbitration service: push wins by arriving first, and the cron
// fallback self-suppresses by checking IsPeriodClaimed.
type Coordinator struct {
	mu sync.Mutex

	hasPayload bool
	payload    PushPayload
	ready      chan struct{}

	currentPeriod time.Time // the 5-minute period most recently claimed
}

// New builds an unclaimed coordinator.
func New() *Coordinator {
	return &Coordinator{ready: make(chan struct{})}
}

// NotifyPushUpdate is called by C1's callback. It stores the latest push
// payload and wakes any waiter; it never blocks.
func (c *Coordinator) NotifyPushUpdate(payload PushPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = payload
	c.hasPayload = true
	select {
	case <-c.ready:
		// already signalled for this waiter cycle; nothing to do.
	default:
		close(c.ready)
	}
}

// WaitForPushOr blocks up to timeout, returning the stored payload if one
// arrived, or ok=false on timeout. It clears its internal signal on every
// exit so the next call starts fresh.
func (c *Coordinator) WaitForPushOr(timeout time.Duration) (PushPayload, bool) {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
	case <-time.After(timeout):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.payload, c.hasPayload
	c.hasPayload = false
	c.ready = make(chan struct{})
	return payload, ok
}

// periodFloor returns now, UTC, with seconds zeroed and minutes floored to
// the nearest multiple of 5 (spec.md §4.4).
func periodFloor(now time.Time) time.Time {
	u := now.UTC()
	minute := u.Minute() - u.Minute()%5
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), minute, 0, 0, time.UTC)
}

// ClaimPeriod computes the 5-minute-aligned period covering now and
// returns true iff this period has not yet been claimed, recording the
// claim as a side effect. Returns false on a repeat call within the same
// period.
func (c *Coordinator) ClaimPeriod(now time.Time) bool {
	period := periodFloor(now)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentPeriod.Equal(period) {
		return false
	}
	c.currentPeriod = period
	return true
}

// IsPeriodClaimed is the read-only variant used by fallback callers to
// self-suppress without claiming.
func (c *Coordinator) IsPeriodClaimed(now time.Time) bool {
	period := periodFloor(now)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPeriod.Equal(period)
}
