package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one step of a model. Version N takes a store from N-1 to N.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Model is an ordered, contiguous list of migrations starting at version 1.
type Model struct {
	Migrations []Migration
}

// Version returns the model's current schema version.
func (m *Model) Version() int {
	if len(m.Migrations) == 0 {
		return 0
	}
	return m.Migrations[len(m.Migrations)-1].Version
}

// Validate checks that migrations are numbered 1..N without gaps.
func (m *Model) Validate() error {
	if len(m.Migrations) == 0 {
		return errors.New("model has no migrations")
	}
	for i, mig := range m.Migrations {
		if mig.Version != i+1 {
			return fmt.Errorf("model migration %d (%s): expected version %d", mig.Version, mig.Name, i+1)
		}
		if strings.TrimSpace(mig.SQL) == "" {
			return fmt.Errorf("model migration %d (%s): empty SQL", mig.Version, mig.Name)
		}
	}
	return nil
}

// Pending returns the migrations needed to bring a store at version from
// up to the model version.
func (m *Model) Pending(from int) []Migration {
	if from < 0 {
		from = 0
	}
	if from >= len(m.Migrations) {
		return nil
	}
	return m.Migrations[from:]
}

// Truncate returns a model containing only the first version migrations.
// Useful for producing stores at an older version.
func (m *Model) Truncate(version int) *Model {
	if version > len(m.Migrations) {
		version = len(m.Migrations)
	}
	out := make([]Migration, version)
	copy(out, m.Migrations[:version])
	return &Model{Migrations: out}
}

var (
	defaultModelOnce sync.Once
	defaultModel     *Model
)

// DefaultModel returns the built-in records model.
func DefaultModel() *Model {
	defaultModelOnce.Do(func() {
		m, err := LoadModel(migrationsFS, "migrations")
		if err != nil {
			panic(fmt.Sprintf("store: embedded migrations: %v", err))
		}
		defaultModel = m
	})
	return defaultModel
}

// LoadModel reads migrations named NNNN_name.sql from dir in fsys.
func LoadModel(fsys fs.FS, dir string) (*Model, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: expected NNNN_name.sql", e.Name())
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", e.Name(), err)
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", e.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(data)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	m := &Model{Migrations: migrations}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

const metadataSchema = `
CREATE TABLE IF NOT EXISTS store_metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// applyModel brings the database to model.Version().
func applyModel(ctx context.Context, db *sql.DB, model *Model, autoMigrate bool, now func() time.Time) error {
	version, err := userVersion(ctx, db)
	if err != nil {
		return err
	}

	fresh := false
	if version == 0 {
		var tables int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'",
		).Scan(&tables); err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		fresh = tables == 0
	}

	target := model.Version()
	switch {
	case version > target:
		return fmt.Errorf("%w: store at version %d, model at %d", ErrNewerSchema, version, target)
	case version == target:
		return nil
	case !fresh && !autoMigrate:
		return fmt.Errorf("%w: store at version %d, model at %d", ErrSchemaMismatch, version, target)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, metadataSchema); err != nil {
		return fmt.Errorf("create metadata table: %w", err)
	}

	for _, mig := range model.Pending(version) {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", mig.Version, mig.Name, err)
		}
	}

	// user_version is not a bound parameter in SQLite.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	if err := writeMetadata(ctx, tx, target, now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// writeMetadata records the model version, and the store identity on first
// write. INSERT OR IGNORE keeps store_uuid and created_at stable.
func writeMetadata(ctx context.Context, tx *sql.Tx, version int, createdAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate store uuid: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO store_metadata (key, value) VALUES
		('store_uuid', ?),
		('created_at', ?)
	`, id.String(), createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write store identity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO store_metadata (key, value) VALUES ('model_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("write model version: %w", err)
	}
	return nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}
