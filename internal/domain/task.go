// Package domain holds the pure types that flow through testsmith:
// a Batch of generation Tasks goes in, a BatchResult comes out.
// Nothing in this package touches the filesystem, the clock, or a process.
package domain

import "time"

// TaskStatus tracks a task's lifecycle within one batch run.
type TaskStatus string

const (
	TaskPending         TaskStatus = "PENDING"
	TaskReserving       TaskStatus = "RESERVING"
	TaskRunning         TaskStatus = "RUNNING"
	TaskSucceeded       TaskStatus = "SUCCEEDED"
	TaskFailedRetryable TaskStatus = "FAILED_RETRYABLE"
	TaskFailedFatal     TaskStatus = "FAILED_FATAL"
)

// IsTerminal returns true once a task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailedFatal
}

// Task is one unit of generation work: a prompt for the backend plus
// enough metadata to budget, prioritize, and checkpoint it.
// The Context blob is opaque here — the prompt builder owns its meaning.
type Task struct {
	ID              string     `json:"id"`
	SourceRef       string     `json:"source_ref"`
	Prompt          string     `json:"prompt"`
	Context         string     `json:"context,omitempty"`
	EstimatedTokens int        `json:"estimated_tokens"`
	EstimatedCost   float64    `json:"estimated_cost"`
	Priority        int        `json:"priority"`
	Complexity      int        `json:"complexity"`
	Status          TaskStatus `json:"status"`
}

// Batch is an ordered set of tasks submitted together. Consumed once by
// the orchestrator; MaxConcurrency caps in-flight tasks for this batch
// (slot limits may be tighter).
type Batch struct {
	ID                   string  `json:"id"`
	Tasks                []*Task `json:"tasks"`
	TotalEstimatedTokens int     `json:"total_estimated_tokens"`
	TotalEstimatedCost   float64 `json:"total_estimated_cost"`
	MaxConcurrency       int     `json:"max_concurrency"`
}

// TaskResult is the per-task outcome reported in a BatchResult.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	SourceRef  string        `json:"source_ref"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	TokensUsed int           `json:"tokens_used"`
	Cost       float64       `json:"cost"`
	Attempts   int           `json:"attempts"`
	Resumed    bool          `json:"resumed"`
}

// BatchResult aggregates one ProcessBatch call. Results preserve the
// batch's task order; every submitted task appears exactly once.
type BatchResult struct {
	BatchID   string       `json:"batch_id"`
	Results   []TaskResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	TotalCost float64      `json:"total_cost"`
	Aborted   bool         `json:"aborted"`
}
