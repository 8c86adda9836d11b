package singleton

import "testing"

func TestTryAcquire_SecondHolderIsRefused(t *testing.T) {
	dir := t.TempDir()

	first := New(dir, SchedulerLockName)
	ok, err := first.TryAcquire()
	if err != nil {
		t.Fatalf("first.TryAcquire() error = %v", err)
	}
	if !ok {
		t.Fatal("first.TryAcquire() = false, want true")
	}

	second := New(dir, SchedulerLockName)
	ok, err = second.TryAcquire()
	if err != nil {
		t.Fatalf("second.TryAcquire() error = %v", err)
	}
	if ok {
		t.Fatal("second.TryAcquire() = true, want false while first holds the lock")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("first.Release() error = %v", err)
	}

	ok, err = second.TryAcquire()
	if err != nil {
		t.Fatalf("second.TryAcquire() after release error = %v", err)
	}
	if !ok {
		t.Fatal("second.TryAcquire() after release = false, want true")
	}
}

func TestTryAcquire_DistinctNamesDoNotConflict(t *testing.T) {
	dir := t.TempDir()

	sched := New(dir, SchedulerLockName)
	ws := New(dir, WebsocketLockName)

	okA, err := sched.TryAcquire()
	if err != nil || !okA {
		t.Fatalf("scheduler TryAcquire() = %v, %v", okA, err)
	}
	okB, err := ws.TryAcquire()
	if err != nil || !okB {
		t.Fatalf("websocket TryAcquire() = %v, %v", okB, err)
	}
}

func TestRelease_WithoutAcquireIsNoop(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, SchedulerLockName)
	if err := l.Release(); err != nil {
		t.Fatalf("Release() on unheld lock error = %v", err)
	}
}
