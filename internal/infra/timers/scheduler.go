package timers

import (
	"sync"
	"time"
)

// Scheduler manages the timers belonging to supervised tasks: repeating
// health checks and one-shot absolute timeouts, keyed by task id so all
// of a task's timers can be torn down in one call.
type Scheduler struct {
	mu    sync.Mutex
	clock Clock
	tasks map[string][]*Handle

	totalScheduled int64
	totalCancelled int64
}

// Stats reports scheduler counters.
type Stats struct {
	ActiveChecks   int   `json:"active_checks"`
	ActiveTimeouts int   `json:"active_timeouts"`
	TotalScheduled int64 `json:"total_scheduled"`
	TotalCancelled int64 `json:"total_cancelled"`
}

// NewScheduler creates a scheduler driven by the given clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		tasks: make(map[string][]*Handle),
	}
}

// Handle identifies one scheduled check or timeout.
type Handle struct {
	s        *Scheduler
	taskID   string
	repeat   bool
	interval time.Duration
	fn       func()

	timer     Timer
	cancelled bool
	done      bool // one-shot fired, or repeat chain ended
}

// ScheduleChecks arms a repeating callback for the task. The callback
// runs without the scheduler lock held and re-arms itself until the
// handle is cancelled.
func (s *Scheduler) ScheduleChecks(taskID string, interval time.Duration, fn func()) *Handle {
	h := &Handle{s: s, taskID: taskID, repeat: true, interval: interval, fn: fn}

	s.mu.Lock()
	h.timer = s.clock.AfterFunc(interval, h.fire)
	s.tasks[taskID] = append(s.tasks[taskID], h)
	s.totalScheduled++
	s.mu.Unlock()

	return h
}

// ScheduleTimeout arms a one-shot callback for the task.
func (s *Scheduler) ScheduleTimeout(taskID string, timeout time.Duration, fn func()) *Handle {
	h := &Handle{s: s, taskID: taskID, fn: fn}

	s.mu.Lock()
	h.timer = s.clock.AfterFunc(timeout, h.fire)
	s.tasks[taskID] = append(s.tasks[taskID], h)
	s.totalScheduled++
	s.mu.Unlock()

	return h
}

// CancelAll stops every timer belonging to the task. Idempotent: timers
// already fired or cancelled are not counted twice.
func (s *Scheduler) CancelAll(taskID string) {
	s.mu.Lock()
	handles := s.tasks[taskID]
	delete(s.tasks, taskID)
	for _, h := range handles {
		if !h.cancelled && !h.done {
			h.cancelled = true
			h.timer.Stop()
			s.totalCancelled++
		}
	}
	s.mu.Unlock()
}

// Cancel stops this handle only.
func (h *Handle) Cancel() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.cancelled || h.done {
		return
	}
	h.cancelled = true
	h.timer.Stop()
	h.s.totalCancelled++
	h.s.removeLocked(h)
}

// GetStats returns a snapshot of scheduler counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalScheduled: s.totalScheduled,
		TotalCancelled: s.totalCancelled,
	}
	for _, handles := range s.tasks {
		for _, h := range handles {
			if h.cancelled || h.done {
				continue
			}
			if h.repeat {
				st.ActiveChecks++
			} else {
				st.ActiveTimeouts++
			}
		}
	}
	return st
}

// fire runs the callback and, for repeating checks, re-arms the timer.
// The callback itself may cancel the handle (or the whole task), so the
// re-arm decision is re-checked under the lock afterwards.
func (h *Handle) fire() {
	h.s.mu.Lock()
	if h.cancelled {
		h.s.mu.Unlock()
		return
	}
	if !h.repeat {
		h.done = true
		h.s.removeLocked(h)
	}
	h.s.mu.Unlock()

	h.fn()

	if h.repeat {
		h.s.mu.Lock()
		if !h.cancelled {
			h.timer = h.s.clock.AfterFunc(h.interval, h.fire)
		}
		h.s.mu.Unlock()
	}
}

func (s *Scheduler) removeLocked(h *Handle) {
	handles := s.tasks[h.taskID]
	for i, other := range handles {
		if other == h {
			s.tasks[h.taskID] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(s.tasks[h.taskID]) == 0 {
		delete(s.tasks, h.taskID)
	}
}
