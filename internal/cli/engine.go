package cli

import (
	"time"

	"github.com/testsmith-ai/testsmith/internal/config"
	"github.com/testsmith-ai/testsmith/internal/infra/backend"
	"github.com/testsmith-ai/testsmith/internal/infra/checkpoint"
	"github.com/testsmith-ai/testsmith/internal/infra/health"
	"github.com/testsmith-ai/testsmith/internal/infra/heartbeat"
	"github.com/testsmith-ai/testsmith/internal/infra/slots"
	"github.com/testsmith-ai/testsmith/internal/infra/timers"
	"github.com/testsmith-ai/testsmith/internal/orchestrator"
)

// engine bundles the wired runtime components behind one constructor so
// every subcommand assembles them the same way.
type engine struct {
	cfg     config.Config
	clock   timers.Clock
	sched   *timers.Scheduler
	slots   *slots.Manager
	store   *checkpoint.Store
	runner  backend.Runner
	monitor *heartbeat.Monitor
	orch    *orchestrator.Orchestrator
}

// newEngine loads config and wires every component on the real clock.
func newEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	clock := timers.NewRealClock()
	sched := timers.NewScheduler(clock)

	sm := slots.NewManager(slots.Limits{
		MaxGeneration: cfg.Slots.MaxGeneration,
		MaxExecution:  cfg.Slots.MaxExecution,
		MaxTotal:      cfg.Slots.MaxTotal,
	}, slots.WithReservationTTL(cfg.Slots.ReservationTTL()))

	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir, checkpoint.Config{
		ResumeThreshold: cfg.Checkpoint.ResumeThreshold,
		MaxFailures:     cfg.Checkpoint.MaxFailures,
		ResumeTailBytes: cfg.Checkpoint.ResumeTailBytes,
	})
	if err != nil {
		return nil, err
	}

	runner := backend.NewCLIRunner(backend.Options{
		Command:          cfg.Backend.Command,
		Args:             cfg.Backend.Args,
		PromptArg:        cfg.Backend.PromptArg,
		OutputFormatArgs: cfg.Backend.OutputFormatArgs,
		VersionArgs:      cfg.Backend.VersionArgs,
		WorkDir:          cfg.Backend.WorkDir,
		ProgressPatterns: cfg.Backend.ProgressPatterns,
		ErrorPatterns:    cfg.Backend.ErrorPatterns,
		WaitingPatterns:  cfg.Backend.WaitingPatterns,
	})

	monitor := heartbeat.NewMonitor(sched, clock, heartbeat.Config{
		Interval: cfg.Heartbeat.Interval(),
		Thresholds: health.Thresholds{
			CPUPercent:         cfg.Health.MaxCPUPercent,
			MemoryMB:           cfg.Health.MaxMemoryMB,
			MinOutputRate:      cfg.Health.MinOutputRate,
			MaxSilence:         cfg.Health.MaxSilence(),
			GracePeriod:        cfg.Health.GracePeriod(),
			MaxErrorCount:      cfg.Health.MaxErrorCount,
			AnalysisWindow:     cfg.Health.AnalysisWindow(),
			MinProgressMarkers: cfg.Health.MinProgressMarkers,
		},
	})

	orch := orchestrator.New(orchestrator.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: cfg.Retry.BackoffBase(),
		BackoffMax:  cfg.Retry.BackoffMax(),
		TaskTimeout: cfg.Heartbeat.TaskTimeout(),
	}, clock, sm, store, runner, monitor)

	return &engine{
		cfg:     cfg,
		clock:   clock,
		sched:   sched,
		slots:   sm,
		store:   store,
		runner:  runner,
		monitor: monitor,
		orch:    orch,
	}, nil
}

// Close releases persistent resources.
func (e *engine) Close() error { return e.store.Close() }

// gcCheckpoints applies the configured retention policy.
func (e *engine) gcCheckpoints() (int, error) {
	maxAge := e.cfg.Checkpoint.MaxAge()
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	return e.store.Cleanup(maxAge)
}
