// Package storage persists seen records: the durable proof that a
// fingerprint was already notified for a source.
//
// Two drivers are available:
//   - "file": a single JSON document keyed by source id (atomic rewrite)
//   - "sqlite": an SQLite database (modernc.org/sqlite, no cgo)
package storage
