// Package session stores opaque bearer session tokens in Redis. Records are
// binary-encoded with a leading version byte; each user additionally owns a
// set of live tokens so multi-device logins append rather than replace.
package session
