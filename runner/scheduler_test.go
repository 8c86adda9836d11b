package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAlignedInitialDelay_WithinInterval(t *testing.T) {
	now := time.Now()
	interval := 5 * time.Minute
	offset := time.Minute

	delay := alignedInitialDelay(now, interval, offset)
	if delay < 0 || delay >= interval {
		t.Fatalf("delay = %v, want within [0, %v)", delay, interval)
	}

	fireTime := now.Add(delay)
	elapsed := time.Duration(fireTime.UnixNano()) % interval
	if elapsed != offset {
		// allow for the now.UnixNano() truncation the same way production does
		if diff := elapsed - offset; diff > time.Microsecond || diff < -time.Microsecond {
			t.Errorf("fire time does not land on the requested offset: elapsed=%v want=%v", elapsed, offset)
		}
	}
}

func TestScheduler_RunsJobOnTick(t *testing.T) {
	var runs int32
	job := Job{
		Name:     "test",
		Interval: 20 * time.Millisecond,
		Offset:   0,
		Run: func(ctx context.Context) {
			atomic.AddInt32(&runs, 1)
		},
	}
	s := New([]Job{job}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if atomic.LoadInt32(&runs) < 2 {
		t.Errorf("expected at least 2 runs in 90ms at a 20ms interval, got %d", runs)
	}
}

func TestScheduler_StopEndsAllJobs(t *testing.T) {
	var runs int32
	job := Job{
		Name:     "test",
		Interval: 5 * time.Millisecond,
		Offset:   0,
		Run: func(ctx context.Context) {
			atomic.AddInt32(&runs, 1)
		},
	}
	s := New([]Job{job}, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

// single-flight: a slow job must not overlap itself — the next tick is
// dropped by time.Ticker while the previous run is still executing.
func TestScheduler_SingleFlightPerJob(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	job := Job{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Offset:   0,
		Run: func(ctx context.Context) {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(25 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
		},
	}
	s := New([]Job{job}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Errorf("max concurrent executions = %d, want 1 (single-flight)", maxConcurrent)
	}
}
