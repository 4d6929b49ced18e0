// Package store persists the manager's fleet audit log using SQLite.
//
// # Data Model
//
// The log is a single append-only table of FleetEvents: an agent
// registered, was replaced by a newer connection with the same id, or
// disconnected. Run state is never persisted; job history does not
// survive a manager restart.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open.
//     The path ":memory:" gives a process-private database.
//   - MockStore: in-memory, for tests of packages that write the log.
//
// Both satisfy FleetLog. Listing returns newest entries first.
package store
