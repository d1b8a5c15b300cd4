// Package castellan is the authentication and access-control engine for a
// media catalog platform: password login, an optional TOTP second factor, an
// emailed one-time-code third factor, opaque session tokens, and a
// progressive per-source-address lockout that throttles brute force
// regardless of which account is targeted.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// castellan is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (LoginResult, SessionInfo, MetricsSnapshot, etc.). All
// internal coordination — flow orchestration, lockout bookkeeping, one-time
// code storage, audit dispatch — lives under internal/ and is never exported.
//
// Mutable authentication state (lockout records, pending one-time codes,
// sessions) lives in Redis; long-lived account state is reached through the
// caller-supplied [UserProvider] (a MongoDB implementation ships in
// provider/mongo).
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its
//     public API.
//   - Decide how user records are persisted; that is the [UserProvider]'s job.
//   - Deliver mail; one-time codes are handed to the caller's [Notifier].
package castellan
