package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Metadata describes a store file's identity.
type Metadata struct {
	StoreUUID    string    `json:"store_uuid"`
	ModelVersion int       `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Metadata reads the store_metadata table. Keys missing from the table are
// left at their zero value.
func (s *Store) Metadata(ctx context.Context) (Metadata, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM store_metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	var md Metadata
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Metadata{}, fmt.Errorf("scan metadata: %w", err)
		}
		switch key {
		case "store_uuid":
			md.StoreUUID = value
		case "model_version":
			v, err := strconv.Atoi(value)
			if err != nil {
				return Metadata{}, fmt.Errorf("parse model_version %q: %w", value, err)
			}
			md.ModelVersion = v
		case "created_at":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Metadata{}, fmt.Errorf("parse created_at %q: %w", value, err)
			}
			md.CreatedAt = t
		}
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("iterate metadata: %w", err)
	}
	return md, nil
}

// Record is one stored value.
type Record struct {
	Entity string          `json:"entity"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Seq    int64           `json:"seq"`
}

// Put stores value as JSON under (entity, key), replacing any previous value.
// Each write takes the next store-wide sequence number.
func (s *Store) Put(ctx context.Context, entity, key string, value any) error {
	if entity == "" || key == "" {
		return fmt.Errorf("put record: entity and key are required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("put record: marshal %s/%s: %w", entity, key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (entity, key, value, updated_seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(updated_seq), 0) + 1 FROM records))
		ON CONFLICT(entity, key) DO UPDATE SET
			value = excluded.value,
			updated_seq = excluded.updated_seq
	`, entity, key, string(data))
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", entity, key, err)
	}
	return nil
}

// Get decodes the value stored under (entity, key) into dst.
// Returns ErrNotFound if there is no such record.
func (s *Store) Get(ctx context.Context, entity, key string, dst any) error {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM records WHERE entity = ? AND key = ?",
		entity, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, entity, key)
	}
	if err != nil {
		return fmt.Errorf("get record %s/%s: %w", entity, key, err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("get record %s/%s: unmarshal: %w", entity, key, err)
	}
	return nil
}

// Delete removes the record under (entity, key).
// Returns ErrNotFound if there is no such record.
func (s *Store) Delete(ctx context.Context, entity, key string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE entity = ? AND key = ?",
		entity, key,
	)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", entity, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", entity, key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, entity, key)
	}
	return nil
}

// Keys lists the keys stored for entity in binary order.
// Returns an empty slice (not nil) if the entity has no records.
func (s *Store) Keys(ctx context.Context, entity string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM records
		WHERE entity = ?
		ORDER BY key COLLATE BINARY ASC
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Count returns the number of records stored for entity.
func (s *Store) Count(ctx context.Context, entity string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE entity = ?", entity,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Changes returns records of entity written after afterSeq, ordered by
// sequence. Another process sharing the file can poll with the highest Seq
// it has seen. Deletions are not reported.
func (s *Store) Changes(ctx context.Context, entity string, afterSeq int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, key, value, updated_seq FROM records
		WHERE entity = ? AND updated_seq > ?
		ORDER BY updated_seq ASC, key COLLATE BINARY ASC
	`, entity, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var value string
		if err := rows.Scan(&r.Entity, &r.Key, &value, &r.Seq); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		r.Value = json.RawMessage(value)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return records, nil
}
