package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// FieldModified is refreshed by every Upsert that asks for it.
const FieldModified = "modified_at"

// ErrDuplicateKey is returned when a write collides with a unique index.
var ErrDuplicateKey = errors.New("duplicate key")

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Filter selects documents by exact equality on top-level fields.
type Filter map[string]any

// Fields is a set of top-level field assignments.
type Fields map[string]any

// Update describes one atomic find-and-modify.
type Update struct {
	// Set is written on both branches.
	Set Fields
	// SetOnInsert is written only when no document matched the filter.
	SetOnInsert Fields
	// TouchModified stamps FieldModified with the store clock.
	TouchModified bool
}

// FindOptions controls paging of Find.
type FindOptions struct {
	Skip  int
	Limit int // 0 means no limit
}

// Document is a stored JSON object.
type Document map[string]any

// Decode converts the document into v through its JSON form.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Upsert atomically updates the first document of collection matching filter,
// or inserts a new one built from filter, SetOnInsert and Set.
// Returns the document as stored after the write.
func (s *Store) Upsert(ctx context.Context, collection string, filter Filter, u Update) (Document, error) {
	where, args, err := filterClause(collection, filter)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", collection, err)
	}
	for k := range u.Set {
		if !fieldName.MatchString(k) {
			return nil, fmt.Errorf("upsert %s: invalid field name %q", collection, k)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: begin tx: %w", collection, err)
	}
	defer tx.Rollback() // No-op if committed

	var (
		id   int64
		body string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, body FROM documents WHERE "+where+" ORDER BY id ASC LIMIT 1",
		args...,
	).Scan(&id, &body)

	var doc Document
	switch {
	case errors.Is(err, sql.ErrNoRows):
		doc = Document{}
		for k, v := range filter {
			doc[k] = v
		}
		for k, v := range u.SetOnInsert {
			doc[k] = v
		}
		for k, v := range u.Set {
			doc[k] = v
		}
		if u.TouchModified {
			doc[FieldModified] = s.timestamp()
		}

		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: encode: %w", collection, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO documents (collection, body) VALUES (?, ?)",
			collection, string(encoded),
		); err != nil {
			return nil, fmt.Errorf("upsert %s: insert: %w", collection, translateError(err))
		}
		body = string(encoded)

	case err != nil:
		return nil, fmt.Errorf("upsert %s: select: %w", collection, err)

	default:
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("upsert %s: decode existing: %w", collection, err)
		}
		for k, v := range u.Set {
			doc[k] = v
		}
		if u.TouchModified {
			doc[FieldModified] = s.timestamp()
		}

		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: encode: %w", collection, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE documents SET body = ? WHERE id = ?",
			string(encoded), id,
		); err != nil {
			return nil, fmt.Errorf("upsert %s: update: %w", collection, translateError(err))
		}
		body = string(encoded)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("upsert %s: commit: %w", collection, err)
	}

	// Re-read through JSON so callers see the stored representation.
	var stored Document
	if err := json.Unmarshal([]byte(body), &stored); err != nil {
		return nil, fmt.Errorf("upsert %s: decode stored: %w", collection, err)
	}
	return stored, nil
}

// Find returns the documents of collection matching filter in insertion order.
func (s *Store) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error) {
	where, args, err := filterClause(collection, filter)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(opts.Skip, 0))

	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM documents WHERE "+where+" ORDER BY id ASC LIMIT ? OFFSET ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", collection, err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("find %s: decode: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: iterate: %w", collection, err)
	}

	return docs, nil
}

// FindOne returns the first document matching filter, and false if none does.
func (s *Store) FindOne(ctx context.Context, collection string, filter Filter) (Document, bool, error) {
	docs, err := s.Find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

// EnsureUniqueIndex declares field unique within collection.
// Safe to call on every startup.
func (s *Store) EnsureUniqueIndex(ctx context.Context, collection, field, name string) error {
	if !fieldName.MatchString(field) {
		return fmt.Errorf("ensure index %s: invalid field name %q", name, field)
	}
	if !fieldName.MatchString(name) {
		return fmt.Errorf("ensure index: invalid index name %q", name)
	}

	// Partial index predicates cannot be bound parameters.
	quoted := "'" + strings.ReplaceAll(collection, "'", "''") + "'"
	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_doc_%s ON documents(json_extract(body, '$.%s')) WHERE collection = %s",
		name, field, quoted,
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure index %s: %w", name, translateError(err))
	}
	return nil
}

// filterClause builds a deterministic WHERE clause for collection + filter.
func filterClause(collection string, filter Filter) (string, []any, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		if !fieldName.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter field %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := []string{"collection = ?"}
	args := []any{collection}
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("json_extract(body, '$.%s') = ?", k))
		args = append(args, filter[k])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// translateError maps unique constraint failures to ErrDuplicateKey.
func translateError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}
