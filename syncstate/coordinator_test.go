package syncstate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClaimPeriod_OnlyFirstCallerWins(t *testing.T) {
	c := New()
	now := time.Date(2026, 3, 2, 10, 3, 0, 0, time.UTC)

	if !c.ClaimPeriod(now) {
		t.Fatal("first claim should succeed")
	}
	if c.ClaimPeriod(now) {
		t.Fatal("second claim within the same period should fail")
	}
	if c.ClaimPeriod(now.Add(1 * time.Minute)) {
		t.Fatal("claim within the same 5-minute bucket (10:04) should still fail")
	}
}

func TestClaimPeriod_NewPeriodSucceeds(t *testing.T) {
	c := New()
	now := time.Date(2026, 3, 2, 10, 3, 0, 0, time.UTC)
	if !c.ClaimPeriod(now) {
		t.Fatal("first claim should succeed")
	}
	next := now.Add(5 * time.Minute)
	if !c.ClaimPeriod(next) {
		t.Fatal("claim in the next period should succeed")
	}
}

func TestIsPeriodClaimed_ReadOnly(t *testing.T) {
	c := New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if c.IsPeriodClaimed(now) {
		t.Fatal("nothing claimed yet")
	}
	c.ClaimPeriod(now)
	if !c.IsPeriodClaimed(now) {
		t.Fatal("expected claimed")
	}
	// IsPeriodClaimed must not itself claim.
	if c.IsPeriodClaimed(now.Add(10 * time.Minute)) {
		t.Fatal("a different period should read as unclaimed")
	}
}

// Period lock invariant (spec.md §8): across any number of concurrent
// push and fallback invocations inside the same 5-minute period, the
// number of successful claims is <= 1.
func TestClaimPeriod_ConcurrentSingleWinner(t *testing.T) {
	c := New()
	now := time.Date(2026, 3, 2, 10, 1, 0, 0, time.UTC)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.ClaimPeriod(now) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestNotifyAndWait_DeliversPayload(t *testing.T) {
	c := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.NotifyPushUpdate(PushPayload{})
	}()

	_, ok := c.WaitForPushOr(time.Second)
	if !ok {
		t.Fatal("expected payload delivery before timeout")
	}
}

func TestWaitForPushOr_TimesOut(t *testing.T) {
	c := New()
	_, ok := c.WaitForPushOr(20 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout with no payload")
	}
}
