// Package singleton guarantees that, when multiple worker processes of
// this service are started against the same instance directory, only one
// of them runs the scheduler and only one of them holds the push-price
// websocket connection. Grounded on the original's per-worker
// fcntl.flock(LOCK_EX | LOCK_NB) dance in app/__init__.py, reimplemented
// with github.com/gofrs/flock (the portable equivalent — fcntl.flock has
// no direct stdlib analogue on all of Go's supported platforms).
package singleton

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Named locks, one per exclusive role a worker process can hold.
const (
	SchedulerLockName = "scheduler.lock"
	WebsocketLockName = "websocket.lock"
)

// Lock wraps a single named advisory file lock.
type Lock struct {
	name string
	fl   *flock.Flock
}

// New returns a lock named name rooted under dir (the service's instance
// directory). Acquire/Release do not touch the filesystem until called.
func New(dir, name string) *Lock {
	return &Lock{name: name, fl: flock.New(filepath.Join(dir, name))}
}

// TryAcquire staggers by a random 100-500ms delay, the same jitter the
// original adds "to prevent race condition when multiple workers start
// simultaneously," then attempts a single non-blocking exclusive lock.
// Acquired is false, with no error, when another process already holds it.
func (l *Lock) TryAcquire() (acquired bool, err error) {
	time.Sleep(randomStagger())
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("singleton: acquire %s: %w", l.name, err)
	}
	return ok, nil
}

// Release drops the lock if held. Safe to call even if TryAcquire never
// succeeded.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("singleton: release %s: %w", l.name, err)
	}
	return nil
}

func randomStagger() time.Duration {
	const minMs, maxMs = 100, 500
	return time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
}
