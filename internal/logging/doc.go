// Package logging provides structured logging for Pacer components.
//
// The [Logger] wraps Go's log/slog with a JSON handler. Each Pacer process
// writes to {runtimeDir}/pacer.log, or to stderr when no directory is given.
// Child loggers carry persistent attributes so that records from the
// registry, the scheduler, and the adaptive controllers can be filtered per
// instance and per component after the fact:
//
//	logger, err := logging.NewLogger(runtimeDir, "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	schedLog := logger.WithInstance("inst-1a2b3c4d").WithComponent("scheduler")
//	schedLog.Info("task dispatched", "task_id", id, "provider", "anthropic")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task dispatched","instance_id":"inst-1a2b3c4d","component":"scheduler","task_id":"...","provider":"anthropic"}
//
// All types in this package are safe for concurrent use. Components that
// accept an optional logger default to [NopLogger].
package logging
