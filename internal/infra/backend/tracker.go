package backend

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// OutputState is a snapshot of a process's output activity, consumed by
// the heartbeat monitor to judge liveness.
type OutputState struct {
	Bytes           int64
	Lines           int64
	LastOutput      time.Time
	ErrorMatches    int
	WaitingForInput bool
}

// tracker accumulates per-stream counters as lines arrive. One instance
// per stream; the stdout tracker also recognizes progress and
// waiting-for-input markers, the stderr tracker counts error patterns.
type tracker struct {
	mu               sync.Mutex
	now              func() time.Time
	progressPatterns []string
	errorPatterns    []string
	waitingPatterns  []string

	bytes       int64
	lines       int64
	lastOutput  time.Time
	errorCount  int
	waiting     bool
	markerTimes []time.Time
}

func newTracker(now func() time.Time, progress, errs, waiting []string) *tracker {
	return &tracker{
		now:              now,
		progressPatterns: lowered(progress),
		errorPatterns:    lowered(errs),
		waitingPatterns:  lowered(waiting),
	}
}

func lowered(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

// observe records one output line.
func (t *tracker) observe(line string) {
	now := t.now()
	lower := strings.ToLower(line)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.bytes += int64(len(line)) + 1 // +1 for the newline the scanner strips
	t.lines++
	t.lastOutput = now

	for _, p := range t.errorPatterns {
		if strings.Contains(lower, p) {
			t.errorCount++
			break
		}
	}
	for _, p := range t.progressPatterns {
		if strings.Contains(lower, p) {
			t.markerTimes = append(t.markerTimes, now)
			// Bound the marker history; only a trailing window is queried.
			if len(t.markerTimes) > 256 {
				t.markerTimes = t.markerTimes[len(t.markerTimes)-256:]
			}
			break
		}
	}

	// Waiting-for-input holds only while the LAST line looks like a prompt.
	t.waiting = false
	for _, p := range t.waitingPatterns {
		if strings.Contains(lower, p) {
			t.waiting = true
			break
		}
	}
}

func (t *tracker) state() OutputState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return OutputState{
		Bytes:           t.bytes,
		Lines:           t.lines,
		LastOutput:      t.lastOutput,
		ErrorMatches:    t.errorCount,
		WaitingForInput: t.waiting,
	}
}

func (t *tracker) markersSince(since time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ts := range t.markerTimes {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

// limitedBuffer is a thread-safe buffer keeping only the last max bytes.
// Captures stderr for diagnostics without unbounded memory.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
