// Package prometheus provides a Prometheus text-exposition renderer for
// castellan metrics.
//
// [NewExporter] accepts a castellan.Engine and exposes an http.Handler that
// renders all counters and the resolve-latency histogram. Counter names are
// prefixed castellan_*_total.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the
//     Handler.
//   - Mutate engine state.
package prometheus
