// Package store selects a creds.BatchStore / creds.TokenStore backend.
//
// Backends:
//   - memstore: dev-only, process lifetime.
//   - sqlitestore: embedded file database (single writer).
//   - pgstore: Postgres with row locks and per-trigger advisory locks.
//
// storetest holds the conformance suite every backend runs.
package store
