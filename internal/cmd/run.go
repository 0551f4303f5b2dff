package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/checkpoint"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/scheduler"
	"github.com/Iron-Ham/foreman/internal/tracker"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

var runCmd = &cobra.Command{
	Use:   "run [items-file]",
	Short: "Run work items to completion",
	Long: `Validate, order and execute work items.

With the file backend the items file is also the tracker: statuses are
written back to it as items progress. With the sqlite or memory backends
the items file seeds the tracker. Without an argument the items are read
from the configured tracker.

Exit status is 0 when every item completes, 3 when items remain blocked
or pending, 4 when interrupted and 1 on error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume from the latest checkpoint",
	Long: `Resume an interrupted run. Item status is read from the tracker; the
latest checkpoint restores retry counts and blocked reasons. A missing or
corrupt checkpoint is reported and the run continues from tracker state.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

var (
	runQuiet       bool
	runMaxIter     int
	runCheckpoint  string
	resumeFromFile string
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final summary")
		c.Flags().IntVar(&runMaxIter, "max-iterations", -1, "Override scheduler.max_iterations (0 for no limit)")
		c.Flags().StringVar(&runCheckpoint, "checkpoint-dir", "", "Override checkpoint.dir")
	}
	resumeCmd.Flags().StringVar(&resumeFromFile, "from", "", "Resume from this checkpoint file instead of the latest")
}

// session loads configuration, applies flag overrides and builds the app.
func session(cmd *cobra.Command, itemsFile string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if runMaxIter >= 0 {
		cfg.Scheduler.MaxIterations = runMaxIter
	}
	if runCheckpoint != "" {
		cfg.Checkpoint.Dir = runCheckpoint
	}
	if itemsFile != "" && cfg.Tracker.Backend == "file" {
		cfg.Tracker.File.Path = itemsFile
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	if !runQuiet {
		attachProgress(a.bus, cmd.OutOrStdout(), isTerminal(cmd.OutOrStdout()))
	}
	return a, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	itemsFile := ""
	if len(args) > 0 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		itemsFile = abs
	}

	a, err := session(cmd, itemsFile)
	if err != nil {
		return err
	}
	defer a.logger.Close()
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	var items []workitem.WorkItem
	if itemsFile != "" {
		if items, err = tracker.LoadItemsFile(itemsFile); err != nil {
			return err
		}
		if err := a.seed(ctx, items); err != nil {
			return err
		}
	} else if items, err = a.tracker.ListItems(ctx); err != nil {
		return fmt.Errorf("list tracker items: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("no work items found")
	}

	res, err := a.scheduler.Run(ctx, items)
	return finish(cmd, res, err)
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := session(cmd, "")
	if err != nil {
		return err
	}
	defer a.logger.Close()
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	cp, err := latestCheckpoint(a.checkpoints, resumeFromFile)
	if err != nil {
		if !errors.Is(err, errors.ErrNoCheckpoint) && !errors.Is(err, errors.ErrCheckpointCorrupt) {
			return err
		}
		a.logger.Warn("ignoring checkpoint, rebuilding from tracker", "error", err.Error())
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; rebuilding state from the tracker\n", err)
		cp = nil
	}

	res, err := a.scheduler.Resume(ctx, cp)
	return finish(cmd, res, err)
}

func latestCheckpoint(mgr *checkpoint.Manager, path string) (*checkpoint.Checkpoint, error) {
	if path != "" {
		return mgr.Load(path)
	}
	return mgr.Latest()
}

// finish prints the summary and maps the outcome to an exit code.
func finish(cmd *cobra.Command, res *scheduler.Result, err error) error {
	if res != nil {
		renderSummary(cmd.OutOrStdout(), res, isTerminal(cmd.OutOrStdout()))
	}
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}
	switch {
	case res.Stop == scheduler.StopCanceled:
		return &ExitCodeError{Code: ExitCanceled}
	case !res.AllComplete():
		return &ExitCodeError{Code: ExitIncomplete}
	}
	return nil
}
