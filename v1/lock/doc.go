// Package lock implements the advisory lease that serializes edits to the
// penalty catalog. A single lock record lives in a shared Store; each client
// session runs a Manager that derives a local View from that record, keeps a
// per-second countdown, refreshes its own lease while it holds it and re-checks
// the record whenever a change notification arrives on a syncbus.Bus.
//
// The record is advisory: nothing prevents a client from writing the catalog
// without it. Acquire follows a sweep, query, then write sequence which is not
// atomic unless the Store implements AtomicStore and the Manager is built with
// WithStrictAcquire.
package lock
