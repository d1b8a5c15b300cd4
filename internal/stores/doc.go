// Package stores holds the short-lived Redis records behind the login
// protocol: pending one-time codes awaiting confirmation. Records are
// binary-encoded with a leading version byte and always carry a TTL.
package stores
