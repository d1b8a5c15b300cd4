// Package limiters implements the progressive per-source-address lockout
// that protects login against brute force. State lives in Redis so every
// instance of the engine sees the same record for a given address.
//
// The update discipline is atomic per address: read counter, compare,
// write happens under a Redis WATCH, never as a bare check-then-act.
package limiters
