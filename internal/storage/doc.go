// Package storage persists deep scrape tasks and worker identities.
//
// Two backends share one contract:
//   - "file": dependency-free journal (JSON Lines) plus a compacted snapshot
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, no cgo)
//
// Every mutation is a small independent field update, so neither backend
// needs multi-record transactions beyond a single task row.
package storage
