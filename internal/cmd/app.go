package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/checkpoint"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/scheduler"
	"github.com/Iron-Ham/foreman/internal/tracker"
	"github.com/Iron-Ham/foreman/internal/verify"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// app bundles everything a run or resume needs.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	tracker     tracker.Tracker
	checkpoints *checkpoint.Manager
	bus         *event.Bus
	scheduler   *scheduler.Scheduler
}

// newApp wires the tracker, checkpoint manager, agent and verifier from cfg.
func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	tr, err := tracker.New(cfg.Tracker, tracker.WithLogger(logger.WithPhase("tracker")))
	if err != nil {
		return nil, fmt.Errorf("open tracker: %w", err)
	}

	mgr, err := checkpoint.NewManager(cfg.Checkpoint.Dir,
		checkpoint.WithRetain(cfg.Checkpoint.Retain),
		checkpoint.WithLogger(logger.WithPhase("checkpoint")))
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("open checkpoint dir: %w", err)
	}

	workDir := cfg.Agent.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			_ = tr.Close()
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
	}

	cli := agent.NewCLIAgent(agent.CLIConfig{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Model:          cfg.Agent.Model,
		WorkDir:        workDir,
		PromptTemplate: cfg.Agent.PromptTemplate,
	}, logger.WithPhase("agent"))

	runner, err := verify.NewCommandRunner(cfg.Verification, workDir)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("verification rules: %w", err)
	}
	verifier := verify.New(runner, cfg.Verification.Timeout(), verify.WithLogger(logger.WithPhase("verify")))

	bus := event.NewBus(event.WithLogger(logger))
	sched, err := scheduler.New(scheduler.Deps{
		Tracker:     tr,
		Checkpoints: mgr,
		Agent:       cli,
		Verifier:    verifier,
	}, scheduler.ConfigFrom(cfg),
		scheduler.WithLogger(logger),
		scheduler.WithEventBus(bus))
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		tracker:     tr,
		checkpoints: mgr,
		bus:         bus,
		scheduler:   sched,
	}, nil
}

// seed makes items visible through the tracker before a fresh run. The
// file backend already reads the items file; sqlite and memory are loaded
// explicitly; github is the source of truth and cannot be seeded.
func (a *app) seed(ctx context.Context, items []workitem.WorkItem) error {
	switch tr := a.tracker.(type) {
	case *tracker.SQLiteTracker:
		return tr.Import(ctx, items)
	case *tracker.MemoryTracker:
		for _, it := range items {
			tr.Set(it.Normalize())
		}
	case *tracker.GitHubTracker:
		return fmt.Errorf("the github tracker reads items from issues; run without an items file")
	}
	return nil
}

func (a *app) Close() error {
	return a.tracker.Close()
}
