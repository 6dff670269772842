package health

import (
	"reflect"
	"testing"
	"time"
)

func testThresholds() Thresholds {
	return Thresholds{
		CPUPercent:         90,
		MemoryMB:           1024,
		MinOutputRate:      1,
		MaxSilence:         2 * time.Minute,
		GracePeriod:        time.Minute,
		MaxErrorCount:      5,
		AnalysisWindow:     5 * time.Minute,
		MinProgressMarkers: 1,
	}
}

func TestAnalyzeHealthyProcess(t *testing.T) {
	st := Analyze(Metrics{
		CPUPercent:      40,
		MemoryMB:        256,
		OutputRate:      120,
		SinceLastOutput: 2 * time.Second,
		Elapsed:         30 * time.Second,
		ProgressMarkers: 3,
	}, testThresholds())

	if !st.Healthy || st.Terminate {
		t.Errorf("Healthy = %v, Terminate = %v, want true, false", st.Healthy, st.Terminate)
	}
	if len(st.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", st.Warnings)
	}
	if st.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", st.Confidence)
	}
}

func TestAnalyzeStallTerminates(t *testing.T) {
	st := Analyze(Metrics{
		OutputRate:      0,
		SinceLastOutput: 3 * time.Minute,
		Elapsed:         10 * time.Minute,
		ProgressMarkers: 2,
	}, testThresholds())

	if !st.Terminate {
		t.Fatal("Terminate = false, want true for a stalled process")
	}
	if st.Reason != ReasonStalled {
		t.Errorf("Reason = %q, want %q", st.Reason, ReasonStalled)
	}
}

func TestAnalyzeWaitingForInputNeverStalls(t *testing.T) {
	m := Metrics{
		OutputRate:      0,
		SinceLastOutput: 3 * time.Minute,
		Elapsed:         10 * time.Minute,
		ProgressMarkers: 2,
		WaitingForInput: true,
	}
	st := Analyze(m, testThresholds())

	if st.Terminate {
		t.Error("Terminate = true for a process waiting for input, want false")
	}
}

func TestAnalyzeWithinGracePeriod(t *testing.T) {
	st := Analyze(Metrics{
		OutputRate:      0,
		SinceLastOutput: 3 * time.Minute,
		Elapsed:         30 * time.Second, // still inside the grace period
		ProgressMarkers: 1,
	}, testThresholds())

	if st.Terminate {
		t.Error("Terminate = true inside the grace period, want false")
	}
}

func TestAnalyzeErrorEscalation(t *testing.T) {
	th := testThresholds()
	base := Metrics{
		OutputRate:      50,
		SinceLastOutput: time.Second,
		Elapsed:         2 * time.Minute,
		ProgressMarkers: 2,
	}

	warned := base
	warned.ErrorCount = th.MaxErrorCount + 1
	st := Analyze(warned, th)
	if st.Terminate {
		t.Error("Terminate = true just past the error limit, want warning only")
	}
	if !hasWarning(st.Warnings, WarnErrors) {
		t.Errorf("Warnings = %v, want %q", st.Warnings, WarnErrors)
	}

	excessive := base
	excessive.ErrorCount = 2*th.MaxErrorCount + 1
	st = Analyze(excessive, th)
	if !st.Terminate {
		t.Fatal("Terminate = false far past the error limit, want true")
	}
	if st.Reason != ReasonExcessiveErrors {
		t.Errorf("Reason = %q, want %q", st.Reason, ReasonExcessiveErrors)
	}
}

func TestAnalyzeResourceWarnings(t *testing.T) {
	st := Analyze(Metrics{
		CPUPercent:      99,
		MemoryMB:        4096,
		OutputRate:      50,
		SinceLastOutput: time.Second,
		Elapsed:         2 * time.Minute,
		ProgressMarkers: 2,
	}, testThresholds())

	if st.Terminate {
		t.Error("Terminate = true on resource warnings alone, want false")
	}
	if !hasWarning(st.Warnings, WarnHighCPU) || !hasWarning(st.Warnings, WarnHighMemory) {
		t.Errorf("Warnings = %v, want both %q and %q", st.Warnings, WarnHighCPU, WarnHighMemory)
	}
	if st.Confidence >= 1.0 {
		t.Errorf("Confidence = %v, want < 1.0 with contrary signals", st.Confidence)
	}
}

func TestAnalyzeProgressWarningNeedsFullWindow(t *testing.T) {
	th := testThresholds()
	m := Metrics{
		OutputRate:      50,
		SinceLastOutput: time.Second,
		ProgressMarkers: 0,
	}

	m.Elapsed = th.AnalysisWindow - time.Second
	if st := Analyze(m, th); hasWarning(st.Warnings, WarnNoProgress) {
		t.Error("no-progress warning before a full analysis window has elapsed")
	}

	m.Elapsed = th.AnalysisWindow
	if st := Analyze(m, th); !hasWarning(st.Warnings, WarnNoProgress) {
		t.Error("missing no-progress warning after a full analysis window")
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	m := Metrics{
		CPUPercent:      95,
		OutputRate:      0,
		SinceLastOutput: 4 * time.Minute,
		ErrorCount:      20,
		Elapsed:         10 * time.Minute,
	}
	th := testThresholds()

	first := Analyze(m, th)
	second := Analyze(m, th)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Analyze not deterministic: %+v vs %+v", first, second)
	}
}

func TestConfidenceBounds(t *testing.T) {
	// Every signal firing at once still caps terminate confidence.
	st := Analyze(Metrics{
		CPUPercent:      100,
		MemoryMB:        9000,
		OutputRate:      0,
		SinceLastOutput: time.Hour,
		ErrorCount:      100,
		Elapsed:         time.Hour,
	}, testThresholds())

	if !st.Terminate {
		t.Fatal("Terminate = false with every signal firing")
	}
	if st.Confidence > 0.95 {
		t.Errorf("Confidence = %v, want <= 0.95", st.Confidence)
	}
	if st.Confidence < 0.6 {
		t.Errorf("Confidence = %v, want >= 0.6", st.Confidence)
	}
}

func hasWarning(warnings []string, want string) bool {
	for _, w := range warnings {
		if w == want {
			return true
		}
	}
	return false
}
