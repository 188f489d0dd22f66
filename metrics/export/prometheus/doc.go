// Package prometheus renders goIntercept metrics in the Prometheus text
// exposition format.
//
// Counters are named gointercept_*_total. The remote-call latency is the
// only histogram. Two gauges report live sign-in attempts and watched
// accounts.
//
// # What this package must NOT do
//
//   - Register metrics in a global registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
