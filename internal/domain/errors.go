package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Callers classify
// with errors.Is and wrap with context at the call site.

var (
	// Slot errors
	ErrReservationDenied   = errors.New("reservation denied: concurrency limit reached")
	ErrReservationNotFound = errors.New("reservation not found or expired")
	ErrProcessNotFound     = errors.New("process not registered")

	// Backend errors
	ErrSpawnFailed        = errors.New("backend process could not be started")
	ErrBackendUnavailable = errors.New("backend unreachable or unauthenticated")

	// Supervision errors
	ErrHeartbeatKilled = errors.New("process terminated by heartbeat monitor")
	ErrTaskTimeout     = errors.New("task exceeded absolute timeout")

	// Checkpoint errors
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointCorrupt  = errors.New("checkpoint record unreadable or invalid")
	ErrCheckpointFinal    = errors.New("checkpoint is no longer active")

	// Batch errors
	ErrEmergencyShutdown = errors.New("emergency shutdown requested")
	ErrBatchAborted      = errors.New("batch aborted before task completion")
)
