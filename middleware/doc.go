// Package middleware exposes HTTP middleware adapters for session-token
// enforcement built on top of castellan.Engine.
//
// # Guards
//
//   - [RequireSession] — resolves the bearer session token.
//   - [RequireCapability] — resolves the token and checks a role capability.
//
// Each guard reads the Authorization header, calls the engine, and injects
// the resolved identity into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself — all decisions are delegated to the
// engine.
//
// # What this package must NOT do
//
//   - Inspect or decode token values (tokens are opaque).
//   - Access Redis (the engine handles I/O).
//   - Make authorization decisions beyond pass/reject from the engine.
package middleware
