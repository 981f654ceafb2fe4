// Package jobstore persists job definitions and their run metadata.
//
// Backends are selected once at startup from a connection address:
//   - memory://            volatile, process-local
//   - sqlite://<path>      SQLite database file
//   - postgresql://...     PostgreSQL (also postgres://)
//   - crate://host[:port]  CrateDB over the PostgreSQL wire protocol
//   - redis://...          Redis hashes (also rediss://), key prefix from ?prefix=
//
// Durable backends are wrapped with a retry layer that retries transient
// (Unavailable) failures with exponential backoff.
package jobstore
