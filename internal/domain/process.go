package domain

import "io"

// ProcessHandle is the minimal view of a running backend subprocess the
// rest of the system needs: identity, streams, a kill switch, and an exit
// signal. Real handles wrap exec.Cmd; tests substitute in-memory fakes.
type ProcessHandle interface {
	// PID returns the OS process id (0 for fakes).
	PID() int

	// Stdout and Stderr expose the live output streams. Each may be
	// consumed by at most one reader.
	Stdout() io.Reader
	Stderr() io.Reader

	// Kill forcibly terminates the process. Safe to call more than once.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	// A non-nil error means the wait itself failed, not the process.
	Wait() (int, error)
}
