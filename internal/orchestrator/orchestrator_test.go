package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/testsmith-ai/testsmith/internal/domain"
	"github.com/testsmith-ai/testsmith/internal/infra/backend"
	"github.com/testsmith-ai/testsmith/internal/infra/checkpoint"
	"github.com/testsmith-ai/testsmith/internal/infra/health"
	"github.com/testsmith-ai/testsmith/internal/infra/heartbeat"
	"github.com/testsmith-ai/testsmith/internal/infra/slots"
	"github.com/testsmith-ai/testsmith/internal/infra/timers"
)

// testEnv wires an orchestrator over a mock backend with a quiet
// heartbeat (hour-long cadence, no timeout) so tests stay deterministic.
type testEnv struct {
	clock  timers.Clock
	slots  *slots.Manager
	store  *checkpoint.Store
	runner *backend.MockRunner
	orch   *Orchestrator
}

func newTestEnv(t *testing.T, limits slots.Limits, cfg Config) *testEnv {
	t.Helper()
	return newTickingEnv(t, limits, cfg, time.Hour)
}

// newTickingEnv is newTestEnv with a chosen heartbeat cadence, for tests
// that need progress ticks to fire while tasks run. Thresholds stay
// generous so ticks never kill anything.
func newTickingEnv(t *testing.T, limits slots.Limits, cfg Config, interval time.Duration) *testEnv {
	t.Helper()

	clock := timers.NewRealClock()
	sched := timers.NewScheduler(clock)
	sm := slots.NewManager(limits)

	store, err := checkpoint.NewStore(t.TempDir(), checkpoint.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	runner := backend.NewMockRunner(nil)
	monitor := heartbeat.NewMonitor(sched, clock, heartbeat.Config{
		Interval:   interval,
		Thresholds: health.Thresholds{MinOutputRate: 1, MaxSilence: time.Hour, GracePeriod: time.Hour},
	})

	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 10 * time.Millisecond
	}
	orch := New(cfg, clock, sm, store, runner, monitor)

	return &testEnv{clock: clock, slots: sm, store: store, runner: runner, orch: orch}
}

func makeBatch(n, maxConcurrency int) *domain.Batch {
	b := &domain.Batch{ID: "batch-1", MaxConcurrency: maxConcurrency}
	for i := 0; i < n; i++ {
		b.Tasks = append(b.Tasks, &domain.Task{
			ID:              fmt.Sprintf("task-%d", i),
			SourceRef:       fmt.Sprintf("pkg/file%d.go", i),
			Prompt:          fmt.Sprintf("write tests for file%d.go", i),
			EstimatedTokens: 4000,
			Status:          domain.TaskPending,
		})
	}
	return b
}

func TestProcessBatchEmpty(t *testing.T) {
	env := newTestEnv(t, slots.DefaultLimits(), Config{})
	fake := timers.NewFakeClock(time.Now())
	env.orch.clock = fake

	res := env.orch.ProcessBatch(&domain.Batch{ID: "empty"})

	if len(res.Results) != 0 || res.Succeeded != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
	if fake.PendingTimers() != 0 {
		t.Errorf("timers started for an empty batch: %d", fake.PendingTimers())
	}
	if counts := env.slots.GetCurrentCounts(); counts.Total != 0 {
		t.Errorf("slots reserved for an empty batch: %+v", counts)
	}
	if len(env.runner.Started()) != 0 {
		t.Error("backend probed/started for an empty batch")
	}
}

func TestProcessBatchSingleSuccess(t *testing.T) {
	env := newTestEnv(t, slots.DefaultLimits(), Config{})

	res := env.orch.ProcessBatch(makeBatch(1, 1))

	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 success", res)
	}
	r := res.Results[0]
	if !r.Success || r.Attempts != 1 || r.Resumed {
		t.Errorf("task result = %+v", r)
	}
	if r.Cost != 0.01 {
		t.Errorf("Cost = %v, want mock envelope cost 0.01", r.Cost)
	}
	if res.TotalCost != 0.01 {
		t.Errorf("TotalCost = %v", res.TotalCost)
	}

	if counts := env.slots.GetCurrentCounts(); counts.Total != 0 {
		t.Errorf("slots not released: %+v", counts)
	}

	// The checkpoint landed in the completed bucket.
	infos, err := env.store.List(checkpoint.BucketCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("completed checkpoints = %d, want 1", len(infos))
	}
}

func TestProcessBatchRespectsCategoryLimit(t *testing.T) {
	limits := slots.Limits{MaxGeneration: 2, MaxExecution: 1, MaxTotal: 4}
	env := newTestEnv(t, limits, Config{MaxAttempts: 1})

	// Four processes that run until we finish them.
	env.runner.Enqueue(
		backend.MockScript{}, backend.MockScript{},
		backend.MockScript{}, backend.MockScript{},
	)

	done := make(chan *domain.BatchResult, 1)
	go func() { done <- env.orch.ProcessBatch(makeBatch(4, 4)) }()

	waitFor(t, "first two spawns", func() bool { return len(env.runner.Started()) == 2 })

	// With both generation slots held, no third process may start.
	time.Sleep(50 * time.Millisecond)
	if n := len(env.runner.Started()); n != 2 {
		t.Fatalf("started = %d with category limit 2, want 2", n)
	}
	if counts := env.slots.GetCurrentCounts(); counts.Generation > 2 {
		t.Fatalf("generation slots = %d, want <= 2", counts.Generation)
	}

	for _, p := range env.runner.Started() {
		p.Finish(0)
	}
	waitFor(t, "remaining spawns", func() bool { return len(env.runner.Started()) == 4 })
	for _, p := range env.runner.Started()[2:] {
		p.Finish(0)
	}

	res := <-done
	if res.Succeeded != 4 {
		t.Errorf("result = %+v, want 4 successes", res)
	}
	if counts := env.slots.GetCurrentCounts(); counts.Total != 0 {
		t.Errorf("slots not released: %+v", counts)
	}
}

func TestProcessBatchRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, slots.DefaultLimits(), Config{MaxAttempts: 3})
	env.runner.Enqueue(
		backend.MockScript{Stdout: "broken run", Stderr: "panic: boom", ExitCode: 1, AutoFinish: true},
		// Queue empty afterwards: next Start synthesizes a success.
	)

	res := env.orch.ProcessBatch(makeBatch(1, 1))

	if res.Succeeded != 1 {
		t.Fatalf("result = %+v, want eventual success", res)
	}
	if got := res.Results[0].Attempts; got != 2 {
		t.Errorf("Attempts = %d, want 2", got)
	}
	if len(env.runner.Started()) != 2 {
		t.Errorf("started = %d, want 2", len(env.runner.Started()))
	}
}

func TestProcessBatchExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, slots.DefaultLimits(), Config{MaxAttempts: 3})
	for i := 0; i < 3; i++ {
		env.runner.Enqueue(backend.MockScript{Stderr: "segfault", ExitCode: 2, AutoFinish: true})
	}

	res := env.orch.ProcessBatch(makeBatch(1, 1))

	if res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failure", res)
	}
	r := res.Results[0]
	if r.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", r.Attempts)
	}
	if !strings.Contains(r.Error, "exit 2") {
		t.Errorf("Error = %q, want the exit code surfaced", r.Error)
	}
	if counts := env.slots.GetCurrentCounts(); counts.Total != 0 {
		t.Errorf("slots not released after failures: %+v", counts)
	}
}

func TestProcessBatchSpawnFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(t, slots.Limits{MaxGeneration: 1, MaxExecution: 1, MaxTotal: 1}, Config{MaxAttempts: 2})
	env.runner.Enqueue(
		backend.MockScript{StartErr: errors.New("claude: command not found")},
		// Retry succeeds; with MaxTotal 1 this only works if the failed
		// spawn's reservation was given back.
	)

	res := env.orch.ProcessBatch(makeBatch(1, 1))

	if res.Succeeded != 1 {
		t.Fatalf("result = %+v, want success on retry", res)
	}
	if res.Results[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Results[0].Attempts)
	}
}

func TestProcessBatchBackendUnavailable(t *testing.T) {
	env := newTestEnv(t, slots.DefaultLimits(), Config{})
	env.runner.ProbeErr = fmt.Errorf("%w: not authenticated", domain.ErrBackendUnavailable)

	res := env.orch.ProcessBatch(makeBatch(3, 3))

	if res.Failed != 3 || res.Succeeded != 0 {
		t.Fatalf("result = %+v, want 3 failures", res)
	}
	for _, r := range res.Results {
		if !strings.Contains(r.Error, domain.ErrBackendUnavailable.Error()) {
			t.Errorf("Error = %q, want backend-unavailable", r.Error)
		}
	}
	if len(env.runner.Started()) != 0 {
		t.Error("processes spawned despite failed probe")
	}
}

func TestProcessBatchResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t, slots.DefaultLimits(), Config{})

	batch := makeBatch(1, 1)
	task := batch.Tasks[0]

	// A prior interrupted run left 75% of the work banked.
	id, err := env.store.Create(task, checkpoint.PhasePreparing)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.Update(id, checkpoint.Update{
		Phase:         checkpoint.PhaseGenerating,
		Progress:      75,
		PartialOutput: "func TestFile0_Header(t *testing.T) {",
		TokensUsed:    3000,
	}); err != nil {
		t.Fatal(err)
	}

	res := env.orch.ProcessBatch(batch)

	if res.Succeeded != 1 {
		t.Fatalf("result = %+v, want success", res)
	}
	if !res.Results[0].Resumed {
		t.Error("Resumed = false, want true")
	}

	started := env.runner.Started()
	if len(started) != 1 {
		t.Fatalf("started = %d", len(started))
	}
	if !strings.Contains(started[0].Prompt, "func TestFile0_Header") {
		t.Error("backend prompt missing the checkpointed partial output")
	}
	if !strings.Contains(started[0].Prompt, task.Prompt) {
		t.Error("backend prompt missing the original request")
	}
}

// TestProgressTicksDuringCompletion overlaps heartbeat progress updates
// with task completion: ticks fire on timer goroutines and write through
// the same checkpoints the task goroutines complete and retire. Every
// task must succeed and no checkpoint may remain in the active bucket.
func TestProgressTicksDuringCompletion(t *testing.T) {
	const tasks = 8
	limits := slots.Limits{MaxGeneration: tasks, MaxExecution: 2, MaxTotal: tasks}
	env := newTickingEnv(t, limits, Config{MaxAttempts: 1}, time.Millisecond)

	for i := 0; i < tasks; i++ {
		env.runner.Enqueue(backend.MockScript{Stdout: "func TestGenerated(t *testing.T) {}"})
	}

	done := make(chan *domain.BatchResult, 1)
	go func() { done <- env.orch.ProcessBatch(makeBatch(tasks, tasks)) }()

	waitFor(t, "all spawns", func() bool { return len(env.runner.Started()) == tasks })
	for _, p := range env.runner.Started() {
		p.SetOutput(backend.OutputState{Bytes: 8000, LastOutput: time.Now()})
	}

	// Let several ticks land, then finish the tasks underneath them.
	time.Sleep(20 * time.Millisecond)
	for _, p := range env.runner.Started() {
		p.Finish(0)
	}

	res := <-done
	if res.Succeeded != tasks {
		t.Fatalf("result = %+v, want %d successes", res, tasks)
	}

	active, err := env.store.List(checkpoint.BucketActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active checkpoints after completion = %d, want 0", len(active))
	}
	completed, err := env.store.List(checkpoint.BucketCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != tasks {
		t.Errorf("completed checkpoints = %d, want %d", len(completed), tasks)
	}
}

// TestRetryResumesBankedProgress fails a first attempt after progress
// ticks have banked resume-eligible partial output, then verifies the
// in-run retry continues from it instead of re-sending the original
// prompt.
func TestRetryResumesBankedProgress(t *testing.T) {
	env := newTickingEnv(t, slots.DefaultLimits(), Config{MaxAttempts: 2}, 2*time.Millisecond)
	env.runner.Enqueue(backend.MockScript{
		Stdout: "func TestParse_Header(t *testing.T) {",
		// Not auto-finished: the test fails it once progress is banked.
	})

	batch := makeBatch(1, 1)
	done := make(chan *domain.BatchResult, 1)
	go func() { done <- env.orch.ProcessBatch(batch) }()

	waitFor(t, "first spawn", func() bool { return len(env.runner.Started()) == 1 })
	first := env.runner.Started()[0]
	first.SetOutput(backend.OutputState{Bytes: 8000, LastOutput: time.Now()})

	waitFor(t, "banked progress", func() bool {
		sum, err := env.store.Summary()
		return err == nil && len(sum.Recoverable) > 0
	})
	first.Finish(1)

	waitFor(t, "retry spawn", func() bool { return len(env.runner.Started()) == 2 })
	retry := env.runner.Started()[1]
	if !strings.Contains(retry.Prompt, "--- PARTIAL OUTPUT ---") {
		t.Error("retry prompt has no partial-output section")
	}
	if !strings.Contains(retry.Prompt, "func TestParse_Header") {
		t.Error("retry prompt missing the banked partial output")
	}
	if !strings.Contains(retry.Prompt, batch.Tasks[0].Prompt) {
		t.Error("retry prompt missing the original request")
	}

	res := <-done
	if res.Succeeded != 1 {
		t.Fatalf("result = %+v, want success on retry", res)
	}
	r := res.Results[0]
	if r.Attempts != 2 || !r.Resumed {
		t.Errorf("task result = %+v, want resumed on attempt 2", r)
	}
}

func TestAbortTruncatesBatch(t *testing.T) {
	env := newTestEnv(t, slots.DefaultLimits(), Config{MaxAttempts: 1})
	env.runner.Enqueue(backend.MockScript{}, backend.MockScript{})

	done := make(chan *domain.BatchResult, 1)
	go func() { done <- env.orch.ProcessBatch(makeBatch(2, 2)) }()

	waitFor(t, "spawns", func() bool { return len(env.runner.Started()) == 2 })

	env.orch.Abort("operator interrupt")

	var res *domain.BatchResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessBatch did not return after Abort")
	}

	if !res.Aborted {
		t.Error("Aborted = false")
	}
	if res.Succeeded != 0 || res.Failed != 2 {
		t.Errorf("result = %+v, want 2 failures", res)
	}
	if len(res.Results) != 2 {
		t.Errorf("results = %d, want every task reported", len(res.Results))
	}

	for _, p := range env.runner.Started() {
		if !p.Killed() {
			t.Error("tracked process survived the abort")
		}
	}
	if counts := env.slots.GetCurrentCounts(); counts.Total != 0 {
		t.Errorf("slots after abort = %+v, want zero", counts)
	}
	if st := env.slots.GetStats(); st.EmergencyShutdowns != 1 {
		t.Errorf("EmergencyShutdowns = %d, want 1", st.EmergencyShutdowns)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second}, // capped
		{0, 2 * time.Second},  // clamped to the first attempt
	}

	for _, tt := range tests {
		if got := backoffDelay(2*time.Second, time.Minute, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
