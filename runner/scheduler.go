// Package runner implements the in-process scheduler (C9): a table of
// cron-like jobs bound to the civil clock, each running in its own
// goroutine with single-flight-per-job semantics. Adapted from
// scheduler.PeriodicTask/MinerScheduler.Start in the teacher, which gives
// single-flight for free — a job's own select loop can't start a new tick
// until runFunc returns, and time.Ticker drops ticks that arrive while
// the channel already holds one.
package runner

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one scheduled action: Interval is the repeat period, Offset is
// the wall-clock remainder within that period at which it should first
// fire (e.g. Interval=5*time.Minute, Offset=time.Minute fires at
// minute%5==1, second=0).
type Job struct {
	Name     string
	Interval time.Duration
	Offset   time.Duration
	Run      func(ctx context.Context)
}

// alignedInitialDelay returns how long to wait from now before the first
// tick lands exactly on the Offset remainder of the Interval grid,
// measured against the Unix epoch so every process instance agrees on
// the same grid regardless of start time (spec.md §4.9's table is defined
// against the civil clock, not process uptime).
func alignedInitialDelay(now time.Time, interval, offset time.Duration) time.Duration {
	elapsed := time.Duration(now.UnixNano()) % interval
	delay := offset - elapsed
	if delay < 0 {
		delay += interval
	}
	return delay
}

// run executes one job in a loop: wait for alignment, then fire on every
// tick until ctx is cancelled or stop is closed.
func (j Job) run(ctx context.Context, stop <-chan struct{}, logger *log.Logger) {
	initialDelay := alignedInitialDelay(time.Now(), j.Interval, j.Offset)
	logger.Printf("runner: [%s] waiting %v for initial alignment", j.Name, initialDelay)

	select {
	case <-time.After(initialDelay):
		j.Run(ctx)
	case <-ctx.Done():
		return
	case <-stop:
		return
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Run(ctx)
		case <-ctx.Done():
			logger.Printf("runner: [%s] stopped by context cancellation", j.Name)
			return
		case <-stop:
			logger.Printf("runner: [%s] stopped", j.Name)
			return
		}
	}
}

// Scheduler runs a fixed table of jobs, one goroutine each, until Stop is
// called or ctx is cancelled.
type Scheduler struct {
	mu      sync.Mutex
	running bool
	stop    chan struct{}
	logger  *log.Logger
	jobs    []Job
}

// New builds a scheduler over jobs. Jobs is the six-entry table of
// spec.md §4.9; tests may pass a smaller table.
func New(jobs []Job, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Start launches every job and blocks until all of them exit (which only
// happens on Stop or ctx cancellation).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range s.jobs {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.run(ctx, stop, s.logger)
		}()
	}
	wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop signals every job to exit. Start returns once they have.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
}
