// Package backend spawns and supervises the external generation CLI.
// The tool is opaque: it takes a prompt, writes text (ideally a JSON
// envelope) to stdout and diagnostics to stderr, and exits 0 on success.
// Everything else — liveness judgment, retries, checkpoints — lives with
// the callers; this package only provides killable, observable handles.
package backend

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/testsmith-ai/testsmith/internal/domain"
)

// Options configures how the CLI is invoked and how its output streams
// are interpreted.
type Options struct {
	Command          string   // executable name or path
	Args             []string // base arguments, before the prompt
	PromptArg        string   // flag carrying the prompt; empty = pipe via stdin
	OutputFormatArgs []string // extra args requesting the structured envelope
	VersionArgs      []string // availability probe invocation
	WorkDir          string

	ProgressPatterns []string // stdout substrings counted as progress markers
	ErrorPatterns    []string // stderr substrings counted as errors
	WaitingPatterns  []string // stdout substrings meaning "waiting for input"
}

// Runner starts backend processes. The CLI runner shells out; tests use
// the mock runner.
type Runner interface {
	// Probe checks the backend is installed and responsive. A failure
	// wraps domain.ErrBackendUnavailable and degrades the whole batch.
	Probe() error

	// Start launches one generation run for the prompt.
	Start(prompt string) (Process, error)
}

// Process is a live backend run: the kill/wait handle plus the output
// observations the heartbeat monitor feeds on.
type Process interface {
	domain.ProcessHandle

	StartedAt() time.Time
	Output() OutputState
	MarkersSince(since time.Time) int

	// Result decodes the captured stdout. Call after Wait.
	Result() Result
	// StderrTail returns the last captured stderr bytes for diagnostics.
	StderrTail() string
}

// ─── CLI Runner ─────────────────────────────────────────────────────────────

// CLIRunner invokes the configured command-line backend.
type CLIRunner struct {
	opts Options
	now  func() time.Time
}

// NewCLIRunner creates a runner for the configured CLI.
func NewCLIRunner(opts Options) *CLIRunner {
	return &CLIRunner{opts: opts, now: time.Now}
}

// Probe runs the version invocation to detect a missing or
// unauthenticated backend before any generation is attempted.
func (r *CLIRunner) Probe() error {
	cmd := exec.Command(r.opts.Command, r.opts.VersionArgs...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %s: %v",
			domain.ErrBackendUnavailable, r.opts.Command, strings.Join(r.opts.VersionArgs, " "), err)
	}
	return nil
}

// Start spawns the backend with the prompt, wiring stdout and stderr
// through trackers so the process can be observed while it runs.
func (r *CLIRunner) Start(prompt string) (Process, error) {
	args := append([]string{}, r.opts.Args...)
	args = append(args, r.opts.OutputFormatArgs...)
	if r.opts.PromptArg != "" {
		args = append(args, r.opts.PromptArg, prompt)
	}

	cmd := exec.Command(r.opts.Command, args...)
	if r.opts.WorkDir != "" {
		cmd.Dir = r.opts.WorkDir
	}
	if r.opts.PromptArg == "" {
		cmd.Stdin = strings.NewReader(prompt)
	}
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", domain.ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSpawnFailed, r.opts.Command, err)
	}

	p := &cliProcess{
		cmd:        cmd,
		started:    r.now(),
		out:        newTracker(r.now, r.opts.ProgressPatterns, nil, r.opts.WaitingPatterns),
		errs:       newTracker(r.now, nil, r.opts.ErrorPatterns, nil),
		stderrTail: &limitedBuffer{max: 8192},
	}

	p.consumers.Add(2)
	go p.consumeStdout(stdout)
	go p.consumeStderr(stderr)

	return p, nil
}

// cliProcess wraps one running CLI invocation.
type cliProcess struct {
	cmd     *exec.Cmd
	started time.Time

	out        *tracker
	errs       *tracker
	stderrTail *limitedBuffer

	collectMu sync.Mutex
	collected bytes.Buffer

	consumers sync.WaitGroup

	waitOnce sync.Once
	exitCode int
	waitErr  error

	killOnce sync.Once
	killErr  error
}

func (p *cliProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stdout returns the output captured so far. The live pipe is consumed
// internally for tracking; callers get the buffered view.
func (p *cliProcess) Stdout() io.Reader {
	p.collectMu.Lock()
	defer p.collectMu.Unlock()
	return bytes.NewReader(append([]byte(nil), p.collected.Bytes()...))
}

func (p *cliProcess) Stderr() io.Reader {
	return strings.NewReader(p.stderrTail.String())
}

// Kill forcibly terminates the process. Idempotent.
func (p *cliProcess) Kill() error {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			p.killErr = p.cmd.Process.Kill()
		}
	})
	return p.killErr
}

// Wait blocks until the process exits and both output streams drain,
// then returns the exit code. Safe to call from multiple goroutines.
func (p *cliProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.consumers.Wait()
		err := p.cmd.Wait()
		if err == nil {
			p.exitCode = 0
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.exitCode = -1
		p.waitErr = err
	})
	return p.exitCode, p.waitErr
}

func (p *cliProcess) StartedAt() time.Time { return p.started }

func (p *cliProcess) Output() OutputState {
	state := p.out.state()
	state.ErrorMatches = p.errs.state().ErrorMatches
	return state
}

func (p *cliProcess) MarkersSince(since time.Time) int {
	return p.out.markersSince(since)
}

func (p *cliProcess) Result() Result {
	p.collectMu.Lock()
	defer p.collectMu.Unlock()
	return DecodeResult(p.collected.Bytes())
}

func (p *cliProcess) StderrTail() string { return p.stderrTail.String() }

func (p *cliProcess) consumeStdout(pipe io.Reader) {
	defer p.consumers.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.out.observe(line)
		p.collectMu.Lock()
		p.collected.WriteString(line)
		p.collected.WriteByte('\n')
		p.collectMu.Unlock()
	}
}

func (p *cliProcess) consumeStderr(pipe io.Reader) {
	defer p.consumers.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.errs.observe(line)
		p.stderrTail.Write(append([]byte(line), '\n'))
	}
}
