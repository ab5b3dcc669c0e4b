// Package storage persists accounts, proxies, session blobs, jobs and daily
// account stats.
//
// Two drivers share one database/sql implementation:
//   - "sqlite": embedded file database (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via lib/pq
//
// Timestamps are stored as unix milliseconds so both dialects scan identically.
package storage
