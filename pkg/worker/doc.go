// Package worker provides a generic, thread-safe worker pool for concurrent
// task processing.
//
// The pool manages a fixed number of goroutines that consume work items of
// any type T from a bounded channel. Submit is non-blocking: when the queue
// is full the item is dropped and ErrQueueFull returned, which is the
// backpressure signal the scheduler relies on to keep its tick loop from
// ever waiting on slow execution.
//
// Lifecycle follows the component pattern: Start(ctx) launches workers that
// exit on context cancellation, Stop(timeout) closes the queue and waits for
// the drain, bounded. Statistics are always tracked atomically; Prometheus
// metrics are opt-in via WithMetrics.
//
//	pool := worker.NewPool[CollectionTask](16, 1024,
//	    func(ctx context.Context, task CollectionTask) error {
//	        return execute(ctx, task)
//	    },
//	    worker.WithMetrics[CollectionTask](registry, "executor"),
//	)
//	pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
package worker
