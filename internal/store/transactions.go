package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dugrema/millegrilles-landing/internal/trust"
)

// ErrTransactionNotFound is returned by GetTransaction for unknown ids.
var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction is one entry of the domain transaction log.
type Transaction struct {
	ID            string          `json:"id"`
	Collection    string          `json:"collection"`
	Domain        string          `json:"domain"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	Trust         trust.Context   `json:"trust"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RecordedAt    time.Time       `json:"recorded_at"`
	AppliedAt     *time.Time      `json:"applied_at,omitempty"`
	Attempts      int             `json:"attempts"`
}

// Applied reports whether the transaction has been marked applied.
func (t Transaction) Applied() bool {
	return t.AppliedAt != nil
}

// RecordTransaction inserts a transaction into the log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: a replayed transaction
// keeps its original record and inserted is false.
func (s *Store) RecordTransaction(ctx context.Context, t Transaction) (inserted bool, err error) {
	payload := t.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	trustJSON, err := json.Marshal(t.Trust)
	if err != nil {
		return false, fmt.Errorf("record transaction: %w", err)
	}
	recordedAt := t.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.timestamp()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, collection, domain, action, payload, trust_context, correlation_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		t.ID,
		t.Collection,
		t.Domain,
		t.Action,
		string(payload),
		string(trustJSON),
		t.CorrelationID,
		formatTime(recordedAt),
	)
	if err != nil {
		return false, fmt.Errorf("record transaction %s: %w", t.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record transaction %s: rows affected: %w", t.ID, err)
	}
	return rowsAffected > 0, nil
}

// MarkTransactionApplied stamps applied_at. Marking twice keeps the first stamp.
func (s *Store) MarkTransactionApplied(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET applied_at = ?
		WHERE id = ? AND applied_at IS NULL
	`, formatTime(s.timestamp()), id)
	if err != nil {
		return fmt.Errorf("mark transaction %s applied: %w", id, err)
	}
	return nil
}

// NoteResubmission increments the resubmission counter of a pending transaction.
func (s *Store) NoteResubmission(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET attempts = attempts + 1
		WHERE id = ? AND applied_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("note resubmission %s: %w", id, err)
	}
	return nil
}

// GetTransaction returns one log entry by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, collection, domain, action, payload, trust_context, correlation_id, recorded_at, applied_at, attempts
		FROM transactions WHERE id = ?
	`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("get transaction %s: %w", id, ErrTransactionNotFound)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

// PendingTransactions returns unapplied transactions of the given collections
// recorded strictly before cutoff, oldest first.
func (s *Store) PendingTransactions(ctx context.Context, collections []string, cutoff time.Time) ([]Transaction, error) {
	if len(collections) == 0 {
		return []Transaction{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(collections)), ", ")
	args := make([]any, 0, len(collections)+1)
	for _, c := range collections {
		args = append(args, c)
	}
	args = append(args, formatTime(cutoff.UTC()))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, domain, action, payload, trust_context, correlation_id, recorded_at, applied_at, attempts
		FROM transactions
		WHERE collection IN (`+placeholders+`) AND applied_at IS NULL AND recorded_at < ?
		ORDER BY recorded_at ASC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending transactions: %w", err)
	}
	defer rows.Close()

	pending := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending transaction: %w", err)
		}
		pending = append(pending, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending transactions: %w", err)
	}
	return pending, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		t          Transaction
		payload    string
		trustJSON  string
		recordedAt string
		appliedAt  sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.Collection, &t.Domain, &t.Action, &payload, &trustJSON,
		&t.CorrelationID, &recordedAt, &appliedAt, &t.Attempts,
	); err != nil {
		return Transaction{}, err
	}

	t.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(trustJSON), &t.Trust); err != nil {
		return Transaction{}, fmt.Errorf("decode trust context: %w", err)
	}

	var err error
	if t.RecordedAt, err = parseTime(recordedAt); err != nil {
		return Transaction{}, err
	}
	if appliedAt.Valid {
		at, err := parseTime(appliedAt.String)
		if err != nil {
			return Transaction{}, err
		}
		t.AppliedAt = &at
	}
	return t, nil
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
