// Package logging provides structured logging for childproc.
//
// This package wraps Go's log/slog to write JSON lines that can be read back
// with [ReadDir] and filtered by pid, strategy, or session after the fact.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Levels (DEBUG, INFO, WARN, ERROR) adjustable at runtime with [Logger.SetLevel]
//   - Child loggers tagged with pid, strategy and session id
//   - Size-based rotation with optional gzip compression of backups
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers created
// via With* methods share the parent's writer and level.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(dir, "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	plog := logger.WithStrategy("reactor").WithPID(proc.PID())
//	plog.Debug("spawned", "path", opts.Path)
//
// # Child Setup
//
// The child-setup trampoline has no log directory of its own. It builds a
// logger with [New] over the log descriptor inherited from its parent so that
// fail-forward setup errors end up next to the parent's own entries.
package logging
