// Package conn defines the boundary between the engine and the SDK that
// speaks the remote account protocol.
//
// # Architecture boundaries
//
// An SDK adapter implements [Dialer] and [Connection]. Every failure it
// reports must wrap one of the sentinels in this package (or be a
// [*FloodWaitError]) so the engine can classify it. Anything else is treated
// as a transient transport failure.
//
// # What this package must NOT do
//
//   - Import goIntercept or any internal package.
//   - Perform I/O. It only declares contracts.
package conn
