// Package audit defines the audit event model, delivery sinks, and the
// bounded async dispatcher that decouples sink I/O from request handling.
//
// # What this package must NOT do
//
//   - Block a request on a slow sink when DropIfFull is set.
//   - Import castellan or any sibling package.
package audit
