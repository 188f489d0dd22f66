// Package rate keeps Redis-backed flood-wait windows and code-request
// budgets so that every engine process sharing the Redis instance honours a
// pause the remote service demanded from any one of them.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key
// prefixes (after the configured prefix):
//   - fw:<scope>:<key>: flood-wait block, TTL is the mandated pause
//   - cr:<phone>: code requests per phone within the window
//
// # What this package must NOT do
//
//   - Decide what to do when Redis is down (callers fail open or closed).
//   - Be imported outside the goIntercept module.
package rate
