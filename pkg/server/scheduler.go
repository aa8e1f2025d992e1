package server

import (
	"sync"
	"time"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/errors"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// Scheduler runs tasks at a future point in time. The engine schedules two
// kinds of tasks through it: session disposal at the end of a reconnection
// window and watchdog liveness checks. A rejection (for example after
// shutdown) is reported as an error, never a panic.
type Scheduler interface {
	// Schedule runs task at time at. The returned handle cancels the task;
	// cancelling an already-fired task is harmless.
	Schedule(task func(), at time.Time) (session.TimerHandle, error)

	// Shutdown stops accepting new tasks and cancels the ones still pending.
	Shutdown()
}

type timerHandle struct {
	timer *time.Timer
}

func (h *timerHandle) Cancel() {
	h.timer.Stop()
}

// TimeScheduler is the default Scheduler backed by the runtime timer wheel.
type TimeScheduler struct {
	mu       sync.Mutex
	shutdown bool
	timers   map[*timerHandle]struct{}
}

// NewTimeScheduler creates a running scheduler.
func NewTimeScheduler() *TimeScheduler {
	return &TimeScheduler{timers: make(map[*timerHandle]struct{})}
}

// Schedule implements Scheduler.
func (s *TimeScheduler) Schedule(task func(), at time.Time) (session.TimerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, errors.NewSchedulingRejected("scheduler is shut down")
	}

	h := &timerHandle{}
	h.timer = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		delete(s.timers, h)
		s.mu.Unlock()
		task()
	})
	s.timers[h] = struct{}{}
	return h, nil
}

// Shutdown implements Scheduler.
func (s *TimeScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	for h := range s.timers {
		h.timer.Stop()
	}
	s.timers = make(map[*timerHandle]struct{})
}
