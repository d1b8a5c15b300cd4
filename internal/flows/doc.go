// Package flows holds the orchestration logic of the multi-step login
// protocol, decoupled from concrete stores through the Deps struct. The
// engine wires Deps to Redis-backed components; tests wire function fakes
// and exercise the protocol without a backend.
package flows
