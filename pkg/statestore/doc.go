// Package statestore holds durable flow.StateStore implementations: an
// in-memory store for tests and single processes, a SQLite store, and a
// JSON-lines store over append blobs.
//
// The SQLite store expects an *sql.DB opened with a SQLite driver. Open
// imports modernc.org/sqlite and registers it under the name "sqlite".
package statestore
