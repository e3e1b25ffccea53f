// Package store provides the SQLite persistence stack that lives inside a
// shared container.
//
// A store is a single SQLite file with:
//   - store_metadata: bookkeeping (store_uuid, model_version, created_at)
//   - the tables defined by its Model, applied as ordered migrations
//
// The default model provides a records table of JSON values keyed by
// (entity, key), with a store-wide logical sequence so that processes
// sharing the file can ask for changes since a known point. Query selects
// records by equality on JSON members, with sort, offset and limit.
//
// Opening MemoryPath gives a private in-memory store with the same schema.
//
// # Schema Versions
//
// The schema version lives in PRAGMA user_version and always equals the
// version of the last applied migration.
//
//   - Fresh file: every migration is applied, regardless of AutoMigrate.
//   - Older file: migrated in place only when AutoMigrate is set;
//     otherwise Open fails with ErrSchemaMismatch and the file is untouched.
//   - Newer file: Open fails with ErrNewerSchema. Stores are never downgraded.
//
// All migrations for one Open run in a single transaction.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads from other processes during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// # Drivers
//
// DriverCGO ("sqlite3") uses github.com/mattn/go-sqlite3 and is the default.
// DriverPure ("sqlite") uses modernc.org/sqlite for builds without cgo.
package store
