// Package password provides argon2id secret hashing in PHC string format,
// constant-time verification, and parameter-upgrade detection.
package password
