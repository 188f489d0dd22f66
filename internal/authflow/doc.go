// Package authflow drives one phone sign-in: request code, verify code,
// optionally verify the second-factor password, export the credential.
//
// # Architecture boundaries
//
// A [Session] owns exactly one connection and releases it on every terminal
// transition. Registry membership, rate limiting, logging and metrics belong
// to the caller; this package only reports what happened.
//
// # Concurrency
//
// Submit calls on one session are serialized by the session mutex. [Session.Close]
// and [Session.LastActivity] never take that mutex, so a sweeper or a
// replacing StartAuth can tear a session down while a remote call is in
// flight; the call is aborted through the session context.
package authflow
