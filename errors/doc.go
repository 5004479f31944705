// Package errors provides standardized error handling for the acquisition
// gateway.
//
// # Error Classification
//
// The pipeline distinguishes five recoverable classes plus one terminal one:
//
//   - Transport: device/protocol I/O failures. The affected points are marked
//     Bad quality in the value cache and polling continues.
//   - Capacity: the connection pool is saturated beyond its wait bound. The
//     executor skips the cycle; the next tick retries.
//   - Configuration: missing or invalid channel parameters at
//     connection-factory time. The channel's task is skipped.
//   - Distribution: a transport sink failed to deliver to one connection.
//     Isolated per sink and per connection, logged, never propagated.
//   - Invalid: the immediate caller passed an unknown id or otherwise
//     invalid arguments. Returned to the caller as a boolean/err failure.
//   - Fatal: unrecoverable states that should stop the gateway.
//
// The propagation policy follows the degradation-over-stopping rule: all
// recoverable classes are absorbed where they occur and reflected in state
// and metrics rather than thrown up the stack.
//
// # Usage
//
//	conn, err := pool.Get(ctx, channel)
//	if errors.IsCapacity(err) {
//	    // skip this cycle, nothing is broken
//	    return nil
//	}
package errors
