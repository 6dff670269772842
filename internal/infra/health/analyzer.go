// Package health turns a snapshot of process metrics into a verdict.
// Analyze is a pure function: same metrics + same thresholds, same answer.
// It never reads the clock or the process itself — the heartbeat monitor
// owns sampling, this package owns judgment.
package health

import "time"

// Metrics is a point-in-time snapshot of one supervised process.
type Metrics struct {
	CPUPercent      float64       // process CPU usage over the last interval
	MemoryMB        int           // resident set size
	OutputRate      float64       // stdout bytes/sec over the last interval
	SinceLastOutput time.Duration // time since the last stdout byte
	ErrorCount      int           // cumulative stderr error-pattern matches
	Elapsed         time.Duration // total process runtime
	ProgressMarkers int           // marker hits within the trailing analysis window
	WaitingForInput bool          // process legitimately blocked on input
}

// Thresholds are the tunable limits Analyze judges against.
// All values come from configuration — no implicit constants.
type Thresholds struct {
	CPUPercent         float64
	MemoryMB           int
	MinOutputRate      float64
	MaxSilence         time.Duration
	GracePeriod        time.Duration
	MaxErrorCount      int
	AnalysisWindow     time.Duration
	MinProgressMarkers int
}

// Status is the analyzer's verdict. Termination reasons take precedence
// over warnings; Confidence grows with the number of agreeing signals.
type Status struct {
	Healthy    bool
	Terminate  bool
	Warnings   []string
	Confidence float64
	Reason     string
}

const (
	WarnHighCPU    = "high CPU"
	WarnHighMemory = "high memory"
	WarnErrors     = "error patterns in output"
	WarnNoProgress = "no progress detected"

	ReasonStalled         = "stalled: no output"
	ReasonExcessiveErrors = "excessive errors"
)

// Analyze evaluates one metrics snapshot against the configured thresholds.
//
// Evaluation order matters: kill conditions (stall, runaway errors) are
// checked first and short-circuit into Terminate; everything else only
// accumulates warnings. A process that is legitimately waiting for input
// is never judged stalled, however silent it is.
func Analyze(m Metrics, t Thresholds) Status {
	var warnings []string
	signals := 0

	if m.CPUPercent > t.CPUPercent {
		warnings = append(warnings, WarnHighCPU)
		signals++
	}
	if m.MemoryMB > t.MemoryMB {
		warnings = append(warnings, WarnHighMemory)
		signals++
	}

	// Stall detection. Only past the grace period, only when the process
	// is not waiting for input, and only when both the rate and the
	// silence duration agree that output has stopped.
	stalled := !m.WaitingForInput &&
		m.Elapsed > t.GracePeriod &&
		m.OutputRate < t.MinOutputRate &&
		m.SinceLastOutput > t.MaxSilence
	if stalled {
		signals++
	}

	// Error patterns: a warning past the limit, a kill at twice the limit.
	errorsExcessive := t.MaxErrorCount > 0 && m.ErrorCount > 2*t.MaxErrorCount
	if t.MaxErrorCount > 0 && m.ErrorCount > t.MaxErrorCount {
		warnings = append(warnings, WarnErrors)
		signals++
	}

	if m.Elapsed >= t.AnalysisWindow && m.ProgressMarkers < t.MinProgressMarkers {
		warnings = append(warnings, WarnNoProgress)
		signals++
	}

	switch {
	case stalled:
		return Status{
			Healthy:    false,
			Terminate:  true,
			Warnings:   warnings,
			Confidence: terminateConfidence(signals),
			Reason:     ReasonStalled,
		}
	case errorsExcessive:
		return Status{
			Healthy:    false,
			Terminate:  true,
			Warnings:   warnings,
			Confidence: terminateConfidence(signals),
			Reason:     ReasonExcessiveErrors,
		}
	}

	return Status{
		Healthy:    true,
		Terminate:  false,
		Warnings:   warnings,
		Confidence: healthyConfidence(signals),
	}
}

// terminateConfidence grows with each corroborating signal beyond the one
// that triggered the kill: 0.6 base, +0.1 per signal, capped at 0.95.
func terminateConfidence(signals int) float64 {
	c := 0.6 + 0.1*float64(signals)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// healthyConfidence shrinks as contrary signals accumulate: a clean
// snapshot is 1.0, each warning subtracts 0.15, floored at 0.2.
func healthyConfidence(signals int) float64 {
	c := 1.0 - 0.15*float64(signals)
	if c < 0.2 {
		c = 0.2
	}
	return c
}
