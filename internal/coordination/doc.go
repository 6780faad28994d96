// Package coordination provides a Runtime that wires every Pacer component
// together for a single process.
//
// The Runtime owns the shared store and builds, in dependency order:
//
//	store → registry → ratecontrol → totallimit → parallelism
//	      → presets → limits resolver → checkpoint → scheduler → stealing
//
// Scheduler outcomes flow back into the adaptive layers through a feedback
// sink, and every registry heartbeat drives the periodic work: queue
// broadcast, lock and queue-state cleanup, rate-limit recovery, parallelism
// recovery and learned-limit persistence.
//
// Usage:
//
//	rt, err := coordination.New(cfg,
//	    coordination.WithLogger(logger),
//	    coordination.WithPayloadExecutor(exec),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := rt.Init(ctx, sessionID, cwd); err != nil {
//	    return err
//	}
//	defer rt.Shutdown(context.Background())
//
//	res := rt.Scheduler().Run(ctx, task)
package coordination
