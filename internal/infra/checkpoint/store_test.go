package checkpoint

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testsmith-ai/testsmith/internal/domain"
)

func testTask() *domain.Task {
	return &domain.Task{
		ID:              "task-1",
		SourceRef:       "pkg/parser.go",
		Prompt:          "write tests for parser.go",
		Context:         "package parser",
		EstimatedTokens: 4000,
	}
}

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewStore(t.TempDir(), DefaultConfig(), WithNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, &now
}

func TestCreateAndSummary(t *testing.T) {
	s, _ := newTestStore(t)

	id, err := s.Create(testTask(), PhasePreparing)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty checkpoint id")
	}

	sum, err := s.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalCheckpoints != 1 || sum.ActiveCheckpoints != 1 {
		t.Errorf("summary = %+v, want 1 total, 1 active", sum)
	}
	if len(sum.Recoverable) != 0 {
		t.Errorf("preparing checkpoint listed as recoverable: %+v", sum.Recoverable)
	}
}

func TestCanResumeAtProgress(t *testing.T) {
	s, _ := newTestStore(t)
	task := testTask()

	id, _ := s.Create(task, PhasePreparing)
	if err := s.Update(id, Update{Phase: PhaseGenerating, Progress: 75, PartialOutput: "func TestParse", TokensUsed: 3000}); err != nil {
		t.Fatal(err)
	}

	r, err := s.CanResume(task)
	if err != nil {
		t.Fatal(err)
	}
	if !r.CanResume {
		t.Fatal("CanResume = false at 75% generating, want true")
	}
	if r.CheckpointID != id {
		t.Errorf("CheckpointID = %q, want %q", r.CheckpointID, id)
	}
	if r.LastProgress != 75 {
		t.Errorf("LastProgress = %d, want 75", r.LastProgress)
	}
}

func TestCanResumeRejectsChangedPrompt(t *testing.T) {
	s, _ := newTestStore(t)
	task := testTask()

	id, _ := s.Create(task, PhasePreparing)
	s.Update(id, Update{Phase: PhaseGenerating, Progress: 75})

	changed := testTask()
	changed.Prompt = "write tests for parser.go, but table-driven"

	r, err := s.CanResume(changed)
	if err != nil {
		t.Fatal(err)
	}
	if r.CanResume {
		t.Error("CanResume = true for a changed prompt, want false")
	}
}

func TestCanResumeRejectsLowProgressAndPreparing(t *testing.T) {
	s, _ := newTestStore(t)
	task := testTask()

	id, _ := s.Create(task, PhasePreparing)

	// Still preparing: not worth resuming.
	if r, _ := s.CanResume(task); r.CanResume {
		t.Error("CanResume = true in preparing phase")
	}

	// Generating but under the threshold.
	s.Update(id, Update{Phase: PhaseGenerating, Progress: 5})
	if r, _ := s.CanResume(task); r.CanResume {
		t.Error("CanResume = true at 5% progress")
	}

	// Past the threshold.
	s.Update(id, Update{Progress: 11})
	if r, _ := s.CanResume(task); !r.CanResume {
		t.Error("CanResume = false at 11% progress, want true")
	}
}

func TestResumeRequestEmbedsPartialOutput(t *testing.T) {
	s, _ := newTestStore(t)
	task := testTask()

	id, _ := s.Create(task, PhasePreparing)
	s.Update(id, Update{
		Phase:         PhaseGenerating,
		Progress:      60,
		PartialOutput: "func TestParseHeader(t *testing.T) {",
		TokensUsed:    2500,
	})

	spec, err := s.ResumeRequest(id, task)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(spec.Prompt, "func TestParseHeader") {
		t.Error("resume prompt missing the partial output")
	}
	if !strings.Contains(spec.Prompt, task.Prompt) {
		t.Error("resume prompt missing the original request")
	}
	if spec.EstimatedRemainingTokens != 1500 {
		t.Errorf("EstimatedRemainingTokens = %d, want 4000-2500", spec.EstimatedRemainingTokens)
	}
}

func TestResumeRequestTruncatesTail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResumeTailBytes = 16
	s, err := NewStore(t.TempDir(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := testTask()
	id, _ := s.Create(task, PhasePreparing)
	s.Update(id, Update{Phase: PhaseGenerating, Progress: 50, PartialOutput: strings.Repeat("x", 100) + "TAIL_MARKER_HERE"})

	spec, err := s.ResumeRequest(id, task)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(spec.Prompt, "TAIL_MARKER_HERE") {
		t.Error("tail of partial output missing")
	}
	if strings.Contains(spec.Prompt, "xxxxxxxxxxxxxxxxx") {
		t.Error("resume prompt kept more than the configured tail")
	}
}

func TestCompleteMovesToCompletedBucket(t *testing.T) {
	s, _ := newTestStore(t)
	task := testTask()

	id, _ := s.Create(task, PhaseGenerating)
	if err := s.Complete(id, "final test file"); err != nil {
		t.Fatal(err)
	}

	if r, _ := s.CanResume(task); r.CanResume {
		t.Error("completed checkpoint still resumable")
	}

	infos, err := s.List(BucketCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != id {
		t.Errorf("completed bucket = %+v, want the one checkpoint", infos)
	}
	if infos[0].Phase != PhaseProcessing || infos[0].Progress != 100 {
		t.Errorf("completed entry = %s at %d%%, want %s at 100%%",
			infos[0].Phase, infos[0].Progress, PhaseProcessing)
	}

	// The record file moved buckets on disk too.
	if _, err := os.Stat(s.recordPath(BucketActive, id)); !os.IsNotExist(err) {
		t.Error("record still present in active bucket")
	}
	if _, err := os.Stat(s.recordPath(BucketCompleted, id)); err != nil {
		t.Errorf("record missing from completed bucket: %v", err)
	}
}

func TestThreeFailuresRetireCheckpoint(t *testing.T) {
	s, _ := newTestStore(t)
	task := testTask()

	id, _ := s.Create(task, PhasePreparing)
	s.Update(id, Update{Phase: PhaseGenerating, Progress: 50})

	for i := 1; i <= 2; i++ {
		fatal, err := s.Fail(id, "timeout")
		if err != nil {
			t.Fatal(err)
		}
		if fatal {
			t.Fatalf("fatal on failure %d, want only on the 3rd", i)
		}
	}

	// Still active and resumable after two failures.
	if r, _ := s.CanResume(task); !r.CanResume {
		t.Fatal("checkpoint not resumable after 2 failures")
	}

	fatal, err := s.Fail(id, "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if !fatal {
		t.Fatal("3rd failure not fatal")
	}

	sum, _ := s.Summary()
	if sum.ActiveCheckpoints != 0 {
		t.Errorf("ActiveCheckpoints = %d after retirement, want 0", sum.ActiveCheckpoints)
	}
	if len(sum.Recoverable) != 0 {
		t.Errorf("retired checkpoint still recoverable: %+v", sum.Recoverable)
	}
	if r, _ := s.CanResume(task); r.CanResume {
		t.Error("retired checkpoint still resumable")
	}
}

func TestCorruptRecordDropped(t *testing.T) {
	s, _ := newTestStore(t)
	task := testTask()

	id, _ := s.Create(task, PhaseGenerating)
	if err := os.WriteFile(s.recordPath(BucketActive, id), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := s.ResumeRequest(id, task)
	if !errors.Is(err, domain.ErrCheckpointCorrupt) {
		t.Fatalf("err = %v, want ErrCheckpointCorrupt", err)
	}

	// Dropped from disk and index alike.
	sum, _ := s.Summary()
	if sum.TotalCheckpoints != 0 {
		t.Errorf("TotalCheckpoints = %d after drop, want 0", sum.TotalCheckpoints)
	}
	if _, err := os.Stat(s.recordPath(BucketActive, id)); !os.IsNotExist(err) {
		t.Error("corrupt record still on disk")
	}
}

func TestUpdateUnknownCheckpoint(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Update("missing", Update{Progress: 10})
	if !errors.Is(err, domain.ErrCheckpointNotFound) {
		t.Errorf("err = %v, want ErrCheckpointNotFound", err)
	}
}

func TestCleanupRemovesOldCheckpoints(t *testing.T) {
	s, now := newTestStore(t)
	task := testTask()

	oldID, _ := s.Create(task, PhaseGenerating)
	s.Complete(oldID, "done")

	*now = now.Add(48 * time.Hour)

	fresh := testTask()
	fresh.Prompt = "different work"
	if _, err := s.Create(fresh, PhaseGenerating); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	sum, _ := s.Summary()
	if sum.TotalCheckpoints != 1 {
		t.Errorf("TotalCheckpoints = %d after cleanup, want 1", sum.TotalCheckpoints)
	}
	if _, err := os.Stat(s.recordPath(BucketCompleted, oldID)); !os.IsNotExist(err) {
		t.Error("aged-out record still on disk")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	task := testTask()

	s1, err := NewStore(dir, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	id, _ := s1.Create(task, PhasePreparing)
	s1.Update(id, Update{Phase: PhaseGenerating, Progress: 40, PartialOutput: "half a test file"})
	s1.Close()

	s2, err := NewStore(dir, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	r, err := s2.CanResume(task)
	if err != nil {
		t.Fatal(err)
	}
	if !r.CanResume || r.CheckpointID != id || r.LastProgress != 40 {
		t.Errorf("after reopen: %+v, want resumable at 40%%", r)
	}

	spec, err := s2.ResumeRequest(id, task)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(spec.Prompt, "half a test file") {
		t.Error("partial output lost across reopen")
	}
}
