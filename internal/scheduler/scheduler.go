// Package scheduler drives the periodic attendance sync. It is a single
// goroutine owning a ticker; control operations restart it rather than
// mutating it in place.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shehrozeikram/ERP-sub020/internal/integration"
	"github.com/shehrozeikram/ERP-sub020/internal/store"
)

type Syncer interface {
	SyncNow(ctx context.Context, req integration.SyncRequest) (integration.SyncResult, error)
}

type SyncState struct {
	IsRunning       bool       `json:"isRunning"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	IntervalMinutes int        `json:"intervalMinutes"`
	RetryCount      int        `json:"retryCount"`
}

type Scheduler struct {
	syncer     Syncer
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time

	mu         sync.Mutex
	interval   time.Duration
	running    bool
	lastSyncAt *time.Time
	retryCount int
	stop       chan struct{}
	done       chan struct{}
}

func New(syncer Syncer, interval time.Duration, maxRetries int, retryDelay time.Duration) *Scheduler {
	return &Scheduler{
		syncer:     syncer,
		interval:   interval,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		now:        time.Now,
	}
}

// Start fires a cycle immediately and then every interval. Starting a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if s.running {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done
	s.running = true

	interval := s.interval
	go s.run(stop, interval, done)
	log.Printf("sync scheduler started interval=%s", interval)
}

// Stop tears down the timer and waits for any in-flight cycle to finish.
// The cycle runs to completion; only the loop is signalled, so a sync that
// is mid-persist is never aborted. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stop := s.stop
	done := s.done
	s.running = false
	s.stop = nil
	s.done = nil
	s.mu.Unlock()

	close(stop)
	<-done
	log.Printf("sync scheduler stopped")
}

// UpdateInterval changes the cadence. A running scheduler is restarted on
// the new interval without losing its running state.
func (s *Scheduler) UpdateInterval(minutes int) {
	s.mu.Lock()
	wasRunning := s.running
	s.interval = time.Duration(minutes) * time.Minute
	s.mu.Unlock()

	if wasRunning {
		s.Stop()
		s.mu.Lock()
		s.startLocked()
		s.mu.Unlock()
	}
	log.Printf("sync interval updated minutes=%d restarted=%t", minutes, wasRunning)
}

func (s *Scheduler) Status() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := SyncState{
		IsRunning:       s.running,
		IntervalMinutes: int(s.interval / time.Minute),
		RetryCount:      s.retryCount,
	}
	if s.lastSyncAt != nil {
		at := *s.lastSyncAt
		state.LastSyncAt = &at
	}
	return state
}

func (s *Scheduler) run(stop <-chan struct{}, interval time.Duration, done chan struct{}) {
	defer close(done)

	// Cycles run under their own context so Stop only ends the loop; the
	// stop channel is consulted between cycles, never during one.
	ctx := context.Background()

	s.RunCycleNow(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.RunCycleNow(ctx)
		}
	}
}

// RunCycleNow executes one sync cycle with retries: recent punches since
// yesterday midnight plus a directory refresh. Exhausting the retries logs
// the failure and leaves the next tick to try again.
func (s *Scheduler) RunCycleNow(ctx context.Context) {
	start, _ := store.DayBounds(s.now().AddDate(0, 0, -1))
	end := s.now()

	req := integration.SyncRequest{
		SyncEmployees:  true,
		SyncAttendance: true,
		StartTime:      &start,
		EndTime:        &end,
	}

	for attempt := 1; ; attempt++ {
		result, err := s.syncer.SyncNow(ctx, req)
		if err == nil {
			at := s.now()
			s.mu.Lock()
			s.lastSyncAt = &at
			s.retryCount = 0
			s.mu.Unlock()
			log.Printf("sync cycle complete cycle=%s employees=%d attendance=%d failed=%d",
				result.CycleID, result.Employees.Count, result.Attendance.Count,
				result.Employees.Failed+result.Attendance.Failed)
			return
		}

		s.mu.Lock()
		s.retryCount = attempt
		s.mu.Unlock()

		if attempt > s.maxRetries {
			log.Printf("sync cycle abandoned after %d attempts err=%v", attempt, err)
			return
		}
		log.Printf("sync cycle failed attempt=%d err=%v retrying in %s", attempt, err, s.retryDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}
