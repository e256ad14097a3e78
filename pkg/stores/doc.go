// Package stores provides persistence layer implementations for Wisp.
// It includes a SQLite-based project record store with embedded migrations,
// WAL mode and connection pooling, and a Redis lease that keeps one
// orchestrator per project across processes.
package stores
