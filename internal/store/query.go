package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Reserved field names for Filter.Field and Query.SortBy. Any other name
// addresses a top-level member of the record's JSON value.
const (
	FieldKey = "key"
	FieldSeq = "seq"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Filter matches records whose Field equals Value. A nil Value matches a
// JSON null or a missing member.
type Filter struct {
	Field string
	Value any
}

// Query selects records of one entity. Filters are ANDed.
//
// Results are always ordered: by SortBy (default FieldKey), then by key so
// equal sort values come back in a stable order.
type Query struct {
	Entity     string
	Filters    []Filter
	SortBy     string
	Descending bool
	Offset     int
	Limit      int // 0 means no limit
}

// compile converts q to parameterized SQL. All values and JSON paths are
// bound, never interpolated.
func (q Query) compile(selectList string, paginate bool) (string, []any, error) {
	if q.Entity == "" {
		return "", nil, fmt.Errorf("%w: entity is required", ErrInvalidQuery)
	}
	if q.Offset < 0 || q.Limit < 0 {
		return "", nil, fmt.Errorf("%w: negative offset or limit", ErrInvalidQuery)
	}

	where := []string{"entity = ?"}
	params := []any{q.Entity}
	for _, f := range q.Filters {
		expr, exprParams, err := fieldExpr(f.Field)
		if err != nil {
			return "", nil, err
		}
		params = append(params, exprParams...)
		if f.Value == nil {
			where = append(where, expr+" IS NULL")
			continue
		}
		v, err := bindValue(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: filter on %q: %v", ErrInvalidQuery, f.Field, err)
		}
		where = append(where, expr+" = ?")
		params = append(params, v)
	}

	query := fmt.Sprintf("SELECT %s FROM records WHERE %s", selectList, strings.Join(where, " AND "))
	if !paginate {
		return query, params, nil
	}

	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = FieldKey
	}
	orderExpr, orderParams, err := fieldExpr(sortBy)
	if err != nil {
		return "", nil, err
	}
	params = append(params, orderParams...)
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, key COLLATE BINARY %s", orderExpr, dir, dir)

	limit := q.Limit
	if limit == 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	params = append(params, limit, q.Offset)
	return query, params, nil
}

func fieldExpr(field string) (string, []any, error) {
	switch field {
	case FieldKey:
		return "key COLLATE BINARY", nil, nil
	case FieldSeq:
		return "updated_seq", nil, nil
	}
	if !fieldName.MatchString(field) {
		return "", nil, fmt.Errorf("%w: field %q", ErrInvalidQuery, field)
	}
	return "json_extract(value, ?)", []any{"$." + field}, nil
}

// bindValue maps a filter value to what json_extract yields for it.
func bindValue(v any) (any, error) {
	switch x := v.(type) {
	case string, int, int32, int64, uint32, float32, float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Find returns the records matching q.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Find(ctx context.Context, q Query) ([]Record, error) {
	query, params, err := q.compile("entity, key, value, updated_seq", true)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var value string
		if err := rows.Scan(&r.Entity, &r.Key, &value, &r.Seq); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Value = json.RawMessage(value)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// First returns the first record matching q, honoring its order and offset.
// Returns ErrNotFound if nothing matches.
func (s *Store) First(ctx context.Context, q Query) (Record, error) {
	q.Limit = 1
	query, params, err := q.compile("entity, key, value, updated_seq", true)
	if err != nil {
		return Record{}, err
	}

	var r Record
	var value string
	err = s.db.QueryRowContext(ctx, query, params...).Scan(&r.Entity, &r.Key, &value, &r.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: no %s record matches", ErrNotFound, q.Entity)
	}
	if err != nil {
		return Record{}, fmt.Errorf("first record: %w", err)
	}
	r.Value = json.RawMessage(value)
	return r, nil
}

// CountMatching returns how many records match q's entity and filters.
// Sort, offset and limit are ignored.
func (s *Store) CountMatching(ctx context.Context, q Query) (int, error) {
	query, params, err := q.compile("COUNT(*)", false)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// DeleteAll removes every record of entity and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context, entity string) (int64, error) {
	if entity == "" {
		return 0, fmt.Errorf("delete records: entity is required")
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE entity = ?", entity)
	if err != nil {
		return 0, fmt.Errorf("delete records %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete records %s: %w", entity, err)
	}
	return n, nil
}
