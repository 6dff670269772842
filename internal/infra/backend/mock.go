package backend

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/testsmith-ai/testsmith/internal/domain"
)

// ─── Mock Runner (for testing without a real CLI) ───────────────────────────

// MockScript describes how one mock process should behave.
type MockScript struct {
	StartErr   error  // returned from Start instead of a process
	Stdout     string // captured output (decoded by Result)
	Stderr     string
	ExitCode   int
	AutoFinish bool // exit immediately; otherwise the test calls Finish
}

// MockRunner implements Runner for tests. Scripts are consumed in Start
// order; when the queue is empty, a successful auto-finishing envelope
// run is synthesized.
type MockRunner struct {
	mu       sync.Mutex
	ProbeErr error
	scripts  []MockScript
	started  []*MockProcess
	now      func() time.Time
}

// NewMockRunner creates a mock runner using the given time source.
func NewMockRunner(now func() time.Time) *MockRunner {
	if now == nil {
		now = time.Now
	}
	return &MockRunner{now: now}
}

// Enqueue appends scripts governing the next Start calls.
func (r *MockRunner) Enqueue(scripts ...MockScript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, scripts...)
}

// Started returns every process handed out so far.
func (r *MockRunner) Started() []*MockProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockProcess(nil), r.started...)
}

func (r *MockRunner) Probe() error { return r.ProbeErr }

func (r *MockRunner) Start(prompt string) (Process, error) {
	r.mu.Lock()
	script := MockScript{
		Stdout:     fmt.Sprintf(`{"result":"generated for: %s","session_id":"mock","total_cost_usd":0.01,"duration_ms":5,"usage":{"output_tokens":10}}`, firstLine(prompt)),
		AutoFinish: true,
	}
	if len(r.scripts) > 0 {
		script = r.scripts[0]
		r.scripts = r.scripts[1:]
	}
	if script.StartErr != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, script.StartErr)
	}

	p := &MockProcess{
		Prompt:  prompt,
		script:  script,
		started: r.now(),
		now:     r.now,
		done:    make(chan struct{}),
	}
	p.state.LastOutput = p.started
	r.started = append(r.started, p)
	r.mu.Unlock()

	if script.AutoFinish {
		p.Finish(script.ExitCode)
	}
	return p, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// MockProcess is a scriptable in-memory Process.
type MockProcess struct {
	Prompt string

	script  MockScript
	started time.Time
	now     func() time.Time

	mu      sync.Mutex
	state   OutputState
	markers []time.Time
	killed  bool
	exit    int

	finishOnce sync.Once
	done       chan struct{}
}

func (p *MockProcess) PID() int          { return 0 }
func (p *MockProcess) Stdout() io.Reader { return strings.NewReader(p.script.Stdout) }
func (p *MockProcess) Stderr() io.Reader { return strings.NewReader(p.script.Stderr) }

// Kill marks the process killed and unblocks Wait with exit code -1.
func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Finish(-1)
	return nil
}

// Killed reports whether Kill was called.
func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Finish completes the process with the given exit code.
func (p *MockProcess) Finish(exit int) {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *MockProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, nil
}

func (p *MockProcess) StartedAt() time.Time { return p.started }

// SetOutput overrides the observed output state (tests drive liveness).
func (p *MockProcess) SetOutput(state OutputState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// AddMarker records a progress-marker occurrence at the given instant.
func (p *MockProcess) AddMarker(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markers = append(p.markers, at)
}

func (p *MockProcess) Output() OutputState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *MockProcess) MarkersSince(since time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ts := range p.markers {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

func (p *MockProcess) Result() Result     { return DecodeResult([]byte(p.script.Stdout)) }
func (p *MockProcess) StderrTail() string { return p.script.Stderr }
