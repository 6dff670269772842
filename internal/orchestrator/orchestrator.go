// Package orchestrator runs batches of generation tasks against the
// backend CLI. For each task it resumes or creates a checkpoint,
// reserves a slot, spawns the subprocess, supervises it with a
// heartbeat monitor and an absolute timeout, and retries retryable
// failures with exponential backoff. Every submitted task appears in
// the aggregated BatchResult exactly once.
package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/testsmith-ai/testsmith/internal/domain"
	"github.com/testsmith-ai/testsmith/internal/infra/backend"
	"github.com/testsmith-ai/testsmith/internal/infra/checkpoint"
	"github.com/testsmith-ai/testsmith/internal/infra/heartbeat"
	"github.com/testsmith-ai/testsmith/internal/infra/metrics"
	"github.com/testsmith-ai/testsmith/internal/infra/slots"
	"github.com/testsmith-ai/testsmith/internal/infra/timers"
)

// Config controls retry policy and per-task deadlines.
type Config struct {
	MaxAttempts int           // attempts per task before failed-fatal
	BackoffBase time.Duration // first retry delay, doubled per attempt
	BackoffMax  time.Duration // backoff ceiling
	TaskTimeout time.Duration // absolute per-attempt deadline, 0 = none
	Component   string        // name reported to the slot manager
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  60 * time.Second,
		TaskTimeout: 10 * time.Minute,
		Component:   "test-generator",
	}
}

// Orchestrator composes the slot manager, checkpoint store, backend
// runner, and heartbeat monitor into one batch-processing engine.
type Orchestrator struct {
	cfg     Config
	clock   timers.Clock
	slots   *slots.Manager
	store   *checkpoint.Store
	runner  backend.Runner
	monitor *heartbeat.Monitor

	abort     chan struct{}
	abortOnce sync.Once
}

// New wires an orchestrator from its collaborators.
func New(cfg Config, clock timers.Clock, sm *slots.Manager, store *checkpoint.Store, runner backend.Runner, monitor *heartbeat.Monitor) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if cfg.Component == "" {
		cfg.Component = DefaultConfig().Component
	}
	return &Orchestrator{
		cfg:     cfg,
		clock:   clock,
		slots:   sm,
		store:   store,
		runner:  runner,
		monitor: monitor,
		abort:   make(chan struct{}),
	}
}

// Abort force-kills every tracked process and makes the in-flight
// ProcessBatch return promptly with whatever has accumulated. One-shot.
func (o *Orchestrator) Abort(reason string) {
	o.abortOnce.Do(func() {
		log.Printf("orchestrator: abort requested: %s", reason)
		close(o.abort)
		killed := o.slots.EmergencyShutdown(reason)
		metrics.EmergencyShutdowns.Inc()
		log.Printf("orchestrator: emergency shutdown killed %d processes", killed)
	})
}

func (o *Orchestrator) aborted() bool {
	select {
	case <-o.abort:
		return true
	default:
		return false
	}
}

// ProcessBatch runs every task in the batch to a terminal state and
// returns the aggregated result. An empty batch returns immediately; a
// backend that fails its availability probe degrades every task to a
// fatal failure without spawning anything.
func (o *Orchestrator) ProcessBatch(batch *domain.Batch) *domain.BatchResult {
	res := &domain.BatchResult{BatchID: batch.ID}
	if len(batch.Tasks) == 0 {
		return res
	}

	if err := o.runner.Probe(); err != nil {
		log.Printf("orchestrator: backend probe failed, degrading batch %s: %v", batch.ID, err)
		for _, t := range batch.Tasks {
			t.Status = domain.TaskFailedFatal
			res.Results = append(res.Results, domain.TaskResult{
				TaskID:    t.ID,
				SourceRef: t.SourceRef,
				Error:     fmt.Sprintf("%v: %v", domain.ErrBackendUnavailable, err),
			})
			metrics.TasksFailed.WithLabelValues("backend_unavailable").Inc()
		}
		res.Failed = len(batch.Tasks)
		return res
	}

	concurrency := batch.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(batch.Tasks)
	}

	results := make([]domain.TaskResult, len(batch.Tasks))
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for i, task := range batch.Tasks {
		wg.Add(1)
		go func(i int, task *domain.Task) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-o.abort:
				task.Status = domain.TaskFailedFatal
				results[i] = abortedResult(task, 0)
				return
			}
			results[i] = o.runTask(task)
		}(i, task)
	}

	// Abort unblocks every worker (kills unblock Wait, slot waits and
	// backoff sleeps select on the abort channel), so waiting here is
	// prompt in both cases.
	wg.Wait()

	res.Results = results
	res.Aborted = o.aborted()
	for _, r := range results {
		if r.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
		res.TotalCost += r.Cost
	}
	metrics.BatchCost.Add(res.TotalCost)
	log.Printf("orchestrator: batch %s done: %d succeeded, %d failed, $%.4f",
		batch.ID, res.Succeeded, res.Failed, res.TotalCost)
	return res
}

// ckptRef carries a task's active checkpoint id across attempts. The
// heartbeat tick hook reads it on timer goroutines while the task
// goroutine clears it after Wait returns, so every access goes through
// the mutex; the checkpoint helpers hold it across the store call, which
// keeps a tick already in flight from updating a checkpoint that was
// just completed or retired.
type ckptRef struct {
	mu sync.Mutex
	id string
}

func (c *ckptRef) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *ckptRef) set(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// runTask drives one task through up to MaxAttempts attempts.
func (o *Orchestrator) runTask(task *domain.Task) domain.TaskResult {
	var (
		ckpt    ckptRef
		resumed bool
		lastErr string
	)

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if o.aborted() {
			task.Status = domain.TaskFailedFatal
			return abortedResult(task, attempt-1)
		}

		if attempt > 1 {
			metrics.TaskRetries.Inc()
			if !o.sleep(backoffDelay(o.cfg.BackoffBase, o.cfg.BackoffMax, attempt-1)) {
				task.Status = domain.TaskFailedFatal
				return abortedResult(task, attempt-1)
			}
		}

		outcome := o.attempt(task, &ckpt, &resumed)
		outcome.result.Attempts = attempt
		outcome.result.Resumed = resumed

		if outcome.result.Success {
			task.Status = domain.TaskSucceeded
			metrics.TasksSucceeded.Inc()
			return outcome.result
		}
		if outcome.abort {
			task.Status = domain.TaskFailedFatal
			return abortedResult(task, attempt)
		}

		lastErr = outcome.result.Error
		if !outcome.retryable {
			break
		}
		task.Status = domain.TaskFailedRetryable
		log.Printf("orchestrator: task %s attempt %d failed (retryable): %s", task.ID, attempt, lastErr)
	}

	task.Status = domain.TaskFailedFatal
	metrics.TasksFailed.WithLabelValues("exhausted").Inc()
	return domain.TaskResult{
		TaskID:    task.ID,
		SourceRef: task.SourceRef,
		Error:     lastErr,
		Attempts:  o.cfg.MaxAttempts,
		Resumed:   resumed,
	}
}

// outcome is the verdict of a single attempt.
type outcome struct {
	result    domain.TaskResult
	retryable bool
	abort     bool
}

// attempt runs one reservation→spawn→supervise→collect cycle.
// ckpt carries the active checkpoint across attempts; it is cleared
// when the checkpoint is retired so the next attempt starts fresh.
func (o *Orchestrator) attempt(task *domain.Task, ckpt *ckptRef, resumed *bool) outcome {
	task.Status = domain.TaskReserving
	started := o.clock.Now()

	fail := func(reason string, retryable bool) outcome {
		o.failCheckpoint(ckpt, reason)
		return outcome{
			result: domain.TaskResult{
				TaskID:    task.ID,
				SourceRef: task.SourceRef,
				Error:     reason,
				Duration:  o.clock.Now().Sub(started),
			},
			retryable: retryable,
		}
	}

	// Resume if a matching checkpoint has banked enough progress — on
	// the first attempt and on in-run retries alike, so partial output
	// from a killed or failed attempt is not regenerated from scratch.
	// Otherwise open a fresh checkpoint.
	prompt := task.Prompt
	if r, err := o.store.CanResume(task); err == nil && r.CanResume {
		spec, err := o.store.ResumeRequest(r.CheckpointID, task)
		if err == nil {
			ckpt.set(r.CheckpointID)
			prompt = spec.Prompt
			*resumed = true
			metrics.CheckpointsResumed.Inc()
			log.Printf("orchestrator: task %s resuming from checkpoint %s at %d%%",
				task.ID, r.CheckpointID, r.LastProgress)
		} else if errors.Is(err, domain.ErrCheckpointCorrupt) {
			log.Printf("orchestrator: task %s: %v, starting fresh", task.ID, err)
		}
	}
	if ckpt.get() == "" {
		id, err := o.store.Create(task, checkpoint.PhasePreparing)
		if err != nil {
			log.Printf("orchestrator: task %s: create checkpoint: %v", task.ID, err)
		} else {
			ckpt.set(id)
		}
	}

	// Wait for a slot rather than failing on denial. The released
	// channel is fetched before each Reserve so a release between the
	// two calls still wakes us.
	var reservation *slots.Reservation
	for {
		ch := o.slots.Released()
		r, err := o.slots.Reserve(slots.CategoryGeneration, o.cfg.Component)
		if err == nil {
			reservation = r
			break
		}
		if !errors.Is(err, domain.ErrReservationDenied) {
			return fail(err.Error(), false)
		}
		metrics.ReservationsDenied.Inc()
		select {
		case <-ch:
		case <-o.abort:
			return outcome{abort: true}
		}
	}

	proc, err := o.runner.Start(prompt)
	if err != nil {
		o.slots.Cancel(reservation.ID)
		return fail(fmt.Sprintf("spawn backend: %v", err), true)
	}

	record, err := o.slots.Register(reservation.ID, proc, task.SourceRef)
	if err != nil {
		proc.Kill()
		return fail(fmt.Sprintf("register process: %v", err), true)
	}
	task.Status = domain.TaskRunning
	o.syncSlotGauges()
	o.updateCheckpoint(ckpt, checkpoint.Update{Phase: checkpoint.PhaseGenerating})

	var killMu sync.Mutex
	var kill *heartbeat.KillReport

	watch := o.monitor.Watch(task.ID, proc, o.cfg.TaskTimeout, heartbeat.Hooks{
		OnKill: func(r heartbeat.KillReport) {
			killMu.Lock()
			kill = &r
			killMu.Unlock()
			cause := "health"
			if r.TimedOut {
				cause = "timeout"
			}
			metrics.HeartbeatKills.WithLabelValues(cause).Inc()
		},
		OnTick: func(out backend.OutputState, elapsed time.Duration) {
			o.trackProgress(ckpt, task, proc, out)
		},
	})

	exit, waitErr := proc.Wait()
	watch.Stop()
	o.slots.Release(record.ID)
	o.syncSlotGauges()

	duration := o.clock.Now().Sub(started)
	metrics.TaskDuration.Observe(duration.Seconds())

	killMu.Lock()
	killReport := kill
	killMu.Unlock()

	if o.aborted() && killReport == nil {
		return outcome{abort: true}
	}

	switch {
	case killReport != nil && killReport.TimedOut:
		return fail(fmt.Sprintf("%v after %s", domain.ErrTaskTimeout, o.cfg.TaskTimeout), true)
	case killReport != nil:
		return fail(fmt.Sprintf("%v: %s", domain.ErrHeartbeatKilled, killReport.Reason), true)
	case waitErr != nil:
		return fail(fmt.Sprintf("wait backend: %v", waitErr), true)
	case exit != 0:
		reason := fmt.Sprintf("backend exit %d", exit)
		if tail := proc.StderrTail(); tail != "" {
			reason += ": " + lastLine(tail)
		}
		return fail(reason, true)
	}

	result := proc.Result()
	o.completeCheckpoint(ckpt, result.Text)

	tr := domain.TaskResult{
		TaskID:     task.ID,
		SourceRef:  task.SourceRef,
		Success:    true,
		Output:     result.Text,
		Duration:   duration,
		TokensUsed: result.TokensUsed,
		Cost:       result.CostUSD,
	}
	if result.DurationMS > 0 {
		tr.Duration = time.Duration(result.DurationMS) * time.Millisecond
	}
	return outcome{result: tr}
}

// trackProgress feeds the checkpoint from output observed so far.
// Progress is estimated against the task's token budget and never
// reported complete before the process exits.
func (o *Orchestrator) trackProgress(ckpt *ckptRef, task *domain.Task, proc backend.Process, out backend.OutputState) {
	if out.Bytes == 0 || ckpt.get() == "" {
		return
	}

	// ~4 bytes per token is close enough for a budget estimate.
	tokens := int(out.Bytes / 4)
	progress := 0
	if task.EstimatedTokens > 0 {
		progress = tokens * 100 / task.EstimatedTokens
	}
	if progress > 95 {
		progress = 95
	}

	partial, _ := io.ReadAll(proc.Stdout())
	o.updateCheckpoint(ckpt, checkpoint.Update{
		Phase:         checkpoint.PhaseGenerating,
		Progress:      progress,
		PartialOutput: string(partial),
		TokensUsed:    tokens,
	})
}

// ─── Checkpoint plumbing ────────────────────────────────────────────────────

func (o *Orchestrator) updateCheckpoint(ckpt *ckptRef, upd checkpoint.Update) {
	ckpt.mu.Lock()
	defer ckpt.mu.Unlock()
	if ckpt.id == "" {
		return
	}
	if err := o.store.Update(ckpt.id, upd); err != nil {
		log.Printf("orchestrator: update checkpoint %s: %v", ckpt.id, err)
		if errors.Is(err, domain.ErrCheckpointCorrupt) || errors.Is(err, domain.ErrCheckpointNotFound) {
			ckpt.id = ""
		}
	}
}

func (o *Orchestrator) completeCheckpoint(ckpt *ckptRef, result string) {
	ckpt.mu.Lock()
	defer ckpt.mu.Unlock()
	if ckpt.id == "" {
		return
	}
	if err := o.store.Complete(ckpt.id, result); err != nil {
		log.Printf("orchestrator: complete checkpoint %s: %v", ckpt.id, err)
	}
	ckpt.id = ""
}

func (o *Orchestrator) failCheckpoint(ckpt *ckptRef, reason string) {
	ckpt.mu.Lock()
	defer ckpt.mu.Unlock()
	if ckpt.id == "" {
		return
	}
	fatal, err := o.store.Fail(ckpt.id, reason)
	if err != nil {
		log.Printf("orchestrator: fail checkpoint %s: %v", ckpt.id, err)
		ckpt.id = ""
		return
	}
	if fatal {
		metrics.CheckpointsFailed.Inc()
		ckpt.id = ""
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (o *Orchestrator) syncSlotGauges() {
	counts := o.slots.GetCurrentCounts()
	metrics.SlotsActive.WithLabelValues(string(slots.CategoryGeneration)).Set(float64(counts.Generation))
	metrics.SlotsActive.WithLabelValues(string(slots.CategoryExecution)).Set(float64(counts.Execution))
}

func abortedResult(task *domain.Task, attempts int) domain.TaskResult {
	metrics.TasksFailed.WithLabelValues("aborted").Inc()
	return domain.TaskResult{
		TaskID:    task.ID,
		SourceRef: task.SourceRef,
		Error:     domain.ErrBatchAborted.Error(),
		Attempts:  attempts,
	}
}

func lastLine(s string) string {
	lines := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
