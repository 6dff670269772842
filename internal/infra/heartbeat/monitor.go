// Package heartbeat supervises running backend processes. Each watched
// task gets a periodic health check (metrics sample → health.Analyze →
// optional kill) and an absolute timeout that fires no matter how healthy
// the process looks. All of a task's timers are torn down exactly once.
package heartbeat

import (
	"log"
	"sync"
	"time"

	"github.com/testsmith-ai/testsmith/internal/infra/backend"
	"github.com/testsmith-ai/testsmith/internal/infra/health"
	"github.com/testsmith-ai/testsmith/internal/infra/timers"
)

// Sampler reads OS-level CPU time and resident memory for a pid.
// ok=false means the platform (or the pid) offers no data; the analyzer
// then sees zeros, which never trip thresholds on their own.
type Sampler func(pid int) (cpu time.Duration, rssMB int, ok bool)

// Config holds the monitor cadence and analysis thresholds.
type Config struct {
	Interval   time.Duration
	Thresholds health.Thresholds
}

// KillReport explains why the monitor terminated a process.
type KillReport struct {
	Reason   string
	TimedOut bool
	Status   health.Status
}

// Hooks are the per-watch callbacks. OnKill fires at most once, after
// the process has been killed. OnTick fires on every health check and
// lets the caller piggyback progress tracking on the same cadence.
type Hooks struct {
	OnKill func(KillReport)
	OnTick func(out backend.OutputState, elapsed time.Duration)
}

// Monitor creates watches over running backend processes.
type Monitor struct {
	sched  *timers.Scheduler
	clock  timers.Clock
	cfg    Config
	sample Sampler
}

// NewMonitor creates a monitor driven by the scheduler's clock.
func NewMonitor(sched *timers.Scheduler, clock timers.Clock, cfg Config) *Monitor {
	return &Monitor{sched: sched, clock: clock, cfg: cfg, sample: sampleProcess}
}

// SetSampler overrides the OS sampler (tests).
func (m *Monitor) SetSampler(s Sampler) { m.sample = s }

// Watch begins supervising the process under the task id. The returned
// Watch must be stopped when the task finishes on its own; kills and
// timeouts stop it themselves.
func (m *Monitor) Watch(taskID string, proc backend.Process, timeout time.Duration, hooks Hooks) *Watch {
	w := &Watch{
		monitor:  m,
		taskID:   taskID,
		proc:     proc,
		hooks:    hooks,
		lastTick: m.clock.Now(),
	}

	m.sched.ScheduleChecks(taskID, m.cfg.Interval, w.tick)
	if timeout > 0 {
		m.sched.ScheduleTimeout(taskID, timeout, w.timeout)
	}
	return w
}

// Watch is one supervised task.
type Watch struct {
	monitor *Monitor
	taskID  string
	proc    backend.Process
	hooks   Hooks

	stopOnce sync.Once

	mu        sync.Mutex
	lastTick  time.Time
	lastBytes int64
	lastCPU   time.Duration
}

// Stop cancels the watch's timers. Idempotent; safe to call after the
// watch already killed its process.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		w.monitor.sched.CancelAll(w.taskID)
	})
}

// tick runs one health check cycle.
func (w *Watch) tick() {
	now := w.monitor.clock.Now()
	out := w.proc.Output()
	cpuTime, rssMB, _ := w.monitor.sample(w.proc.PID())
	elapsed := now.Sub(w.proc.StartedAt())

	w.mu.Lock()
	interval := now.Sub(w.lastTick)
	if interval <= 0 {
		interval = w.monitor.cfg.Interval
	}
	outputRate := float64(out.Bytes-w.lastBytes) / interval.Seconds()
	cpuPercent := 0.0
	if cpuTime > 0 && cpuTime >= w.lastCPU {
		cpuPercent = float64(cpuTime-w.lastCPU) / float64(interval) * 100
	}
	w.lastTick = now
	w.lastBytes = out.Bytes
	w.lastCPU = cpuTime
	w.mu.Unlock()

	sinceLast := elapsed
	if !out.LastOutput.IsZero() {
		sinceLast = now.Sub(out.LastOutput)
	}

	th := w.monitor.cfg.Thresholds
	metrics := health.Metrics{
		CPUPercent:      cpuPercent,
		MemoryMB:        rssMB,
		OutputRate:      outputRate,
		SinceLastOutput: sinceLast,
		ErrorCount:      out.ErrorMatches,
		Elapsed:         elapsed,
		ProgressMarkers: w.proc.MarkersSince(now.Add(-th.AnalysisWindow)),
		WaitingForInput: out.WaitingForInput,
	}

	status := health.Analyze(metrics, th)

	if w.hooks.OnTick != nil {
		w.hooks.OnTick(out, elapsed)
	}

	if !status.Terminate {
		return
	}

	w.Stop()
	if err := w.proc.Kill(); err != nil {
		log.Printf("heartbeat: kill task %s: %v", w.taskID, err)
	}
	log.Printf("heartbeat: terminated task %s: %s (confidence %.2f)", w.taskID, status.Reason, status.Confidence)
	if w.hooks.OnKill != nil {
		w.hooks.OnKill(KillReport{Reason: status.Reason, Status: status})
	}
}

// timeout enforces the absolute deadline, independent of health cadence.
func (w *Watch) timeout() {
	w.Stop()
	if err := w.proc.Kill(); err != nil {
		log.Printf("heartbeat: timeout kill task %s: %v", w.taskID, err)
	}
	log.Printf("heartbeat: task %s exceeded its timeout", w.taskID)
	if w.hooks.OnKill != nil {
		w.hooks.OnKill(KillReport{Reason: "timeout exceeded", TimedOut: true})
	}
}
