// Package goIntercept signs phone accounts in against a remote account
// service and watches already-issued accounts for incoming login codes,
// forwarding each code to the parties waiting for it exactly once.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// goIntercept is the public surface. It exposes [Engine], [Builder],
// [Config] and value types ([AuthChallenge], [AuthResult], [DeliveryEvent]).
// The sign-in state machine, the interception pool, the registries, the
// reaper and the Redis flood gate live under internal/ and are never
// exported. The network protocol is reached only through [conn.Dialer].
//
// # What this package must NOT do
//
//   - Leak errors from the conn package past the Engine: every failure is
//     translated into the sentinels in errors.go.
//   - Persist credentials. They are returned to the caller as opaque bytes,
//     sealed when a [CredentialSealer] is configured.
//   - Log raw login codes or full phone numbers.
package goIntercept
