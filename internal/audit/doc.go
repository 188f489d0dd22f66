// Package audit relays engine events (sign-in steps, intercept lifecycle,
// code deliveries) to a pluggable sink on a background goroutine.
//
// # Architecture boundaries
//
// This package owns buffering and sink delivery. Which events exist and
// when they fire is decided by the engine.
//
// # What this package must NOT do
//
//   - Carry raw login codes or credentials in an [Event].
//   - Import goIntercept or any sibling internal package.
package audit
