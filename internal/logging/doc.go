// Package logging provides structured logging for foreman runs.
//
// It wraps log/slog with a JSON handler. Child loggers carry the run id,
// the work item id and the loop phase so a single run can be followed
// across dispatch, execution, verification and reconciliation:
//
//	logger, err := logging.NewLogger(logging.Options{
//	    Dir:      ".foreman",
//	    Level:    "INFO",
//	    Rotation: logging.DefaultRotationConfig(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	itemLog := logger.WithRun(runID).WithItem("task-1").WithPhase("execute")
//	itemLog.Info("attempt finished", "timed_out", false)
//
// File output goes through [RotatingWriter], which rotates by size and keeps
// a bounded number of optionally gzip-compressed backups.
//
// Components accept a *Logger through a functional option and fall back to
// [NopLogger] when none is given.
package logging
