package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edupay/edupay/internal/domain"
)

// DeadLetter is a message parked after its transient-retry budget ran out.
// The payload is the full inbound event, so remediation can requeue it
// verbatim once the underlying outage is fixed.
type DeadLetter struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Reference string    `json:"reference"`
	Payload   string    `json:"payload"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	Requeued  bool      `json:"requeued"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetter records an exhausted message with its last error.
func (db *DB) DeadLetter(ctx context.Context, ev domain.TransactionCreatedEvent, attempts int, lastErr string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, reference, payload, last_error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.Payload.Reference, string(payload), lastErr, attempts, fmtTime(time.Now()))
	return err
}

// ListDeadLetters returns dead letters, newest first. When pending is true,
// already-requeued entries are excluded.
func (db *DB) ListDeadLetters(ctx context.Context, pending bool, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_id, reference, payload, last_error, attempts, requeued, created_at
		FROM dead_letters`
	if pending {
		query += ` WHERE requeued = 0`
	}
	query += ` ORDER BY id DESC LIMIT ?`

	rows, err := db.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl         DeadLetter
			requeued   int
			createdStr string
		)
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.Reference, &dl.Payload,
			&dl.LastError, &dl.Attempts, &requeued, &createdStr); err != nil {
			return nil, err
		}
		dl.Requeued = requeued == 1
		dl.CreatedAt = parseTime(createdStr)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// TakeDeadLetter marks a dead letter as requeued and returns its event.
// Returns an error if the entry does not exist or was already requeued, so
// two operators cannot requeue the same message twice.
func (db *DB) TakeDeadLetter(ctx context.Context, id int64) (*domain.TransactionCreatedEvent, error) {
	var payload string
	err := db.db.QueryRowContext(ctx,
		`SELECT payload FROM dead_letters WHERE id = ? AND requeued = 0`, id).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("dead letter %d not found or already requeued", id)
	}

	res, err := db.db.ExecContext(ctx,
		`UPDATE dead_letters SET requeued = 1 WHERE id = ? AND requeued = 0`, id)
	if err != nil {
		return nil, fmt.Errorf("mark requeued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("dead letter %d already requeued", id)
	}

	var ev domain.TransactionCreatedEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("corrupt dead letter %d: %w", id, err)
	}
	return &ev, nil
}
