package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory store. It lives as long as the Store.
const MemoryPath = ":memory:"

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

var (
	// ErrSchemaMismatch means the file is at an older model version and
	// AutoMigrate was not requested.
	ErrSchemaMismatch = errors.New("store schema is older than model")

	// ErrNewerSchema means the file was written by a newer model.
	ErrNewerSchema = errors.New("store schema is newer than model")

	// ErrUnknownDriver means Options.Driver names no supported driver.
	ErrUnknownDriver = errors.New("unknown sqlite driver")

	// ErrNotFound is returned by record lookups that match nothing.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidQuery means a Query cannot be compiled to SQL.
	ErrInvalidQuery = errors.New("invalid query")
)

// Options configures Open.
type Options struct {
	// Driver is DriverCGO or DriverPure. Empty means DriverCGO.
	Driver string

	// AutoMigrate upgrades an older store in place instead of failing.
	AutoMigrate bool

	// Model is the schema to open against. Nil means DefaultModel().
	Model *Model

	// Now stamps created_at on a new store. Nil means time.Now.
	Now func() time.Time
}

// Store is an open SQLite persistence stack.
type Store struct {
	db     *sql.DB
	path   string
	driver string
	model  *Model
}

// Open creates or opens the SQLite store at path and brings its schema to
// the model version according to opts. The parent directory must exist.
//
// On any error the database handle is closed; a file that was only opened
// (not created) is left as it was.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	driver, model, err := checkOptions(opts)
	if err != nil {
		return nil, err
	}

	// Open database (creates file if doesn't exist)
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// Pragmas below are per-connection and rely on this, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := applyModel(ctx, db, model, opts.AutoMigrate, now); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path, driver: driver, model: model}, nil
}

// Close closes the database connection. The file stays on disk.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path the store was opened at, or MemoryPath.
func (s *Store) Path() string {
	return s.path
}

// InMemory reports whether the store has no backing file.
func (s *Store) InMemory() bool {
	return s.path == MemoryPath
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// Model returns the model the store was opened against.
func (s *Store) Model() *Model {
	return s.model
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SchemaVersion reports the store's PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return userVersion(ctx, s.db)
}

// CheckOptions reports the error Open would return for opts before touching
// the filesystem: an unknown driver or an invalid model.
func CheckOptions(opts Options) error {
	_, _, err := checkOptions(opts)
	return err
}

func checkOptions(opts Options) (string, *Model, error) {
	driver, err := resolveDriver(opts.Driver)
	if err != nil {
		return "", nil, err
	}
	model := opts.Model
	if model == nil {
		model = DefaultModel()
	}
	if err := model.Validate(); err != nil {
		return "", nil, err
	}
	return driver, model, nil
}

func resolveDriver(name string) (string, error) {
	switch name {
	case "":
		return DriverCGO, nil
	case DriverCGO, DriverPure:
		return name, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
