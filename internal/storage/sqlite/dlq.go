package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/storage"
)

// ListDLQ returns dead-lettered messages, newest failures first.
func (s *Store) ListDLQ(ctx context.Context, limit, offset int) ([]storage.DLQMessage, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_id, value, error_message, attempts, original_created_at, failed_at
		 FROM kv_dlq ORDER BY failed_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []storage.DLQMessage{}
	for rows.Next() {
		msg, err := scanDLQ(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// GetDLQ returns one dead-lettered message by id.
func (s *Store) GetDLQ(ctx context.Context, id string) (storage.DLQMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, original_id, value, error_message, attempts, original_created_at, failed_at
		 FROM kv_dlq WHERE id = ?`, id)
	msg, err := scanDLQ(row.Scan)
	if err == sql.ErrNoRows {
		return storage.DLQMessage{}, fmt.Errorf("%w: DLQ message %s", kv.ErrNotFound, id)
	}
	return msg, err
}

// RequeueDLQ moves a dead-lettered message back to the queue with a fresh
// attempt budget and removes it from the DLQ.
func (s *Store) RequeueDLQ(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(conn *sql.Conn) error {
		var raw []byte
		err := conn.QueryRowContext(ctx, "SELECT value FROM kv_dlq WHERE id = ?", id).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: DLQ message %s", kv.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read DLQ row: %w", err)
		}

		scheduleJSON, err := json.Marshal(storage.DefaultBackoffSchedule)
		if err != nil {
			return fmt.Errorf("failed to serialize schedule: %w", err)
		}
		now := s.nowUnixMilli()
		_, err = conn.ExecContext(ctx,
			`INSERT INTO kv_queue (id, value, ready_at, attempts, max_attempts, backoff_schedule,
			 keys_if_undelivered, status, locked_until, created_at, updated_at)
			 VALUES (?, ?, ?, 0, ?, ?, '[]', 'pending', NULL, ?, ?)`,
			id, raw, now, len(storage.DefaultBackoffSchedule)+1, string(scheduleJSON), now, now)
		if err != nil {
			return fmt.Errorf("failed to requeue: %w", err)
		}
		if _, err := conn.ExecContext(ctx, "DELETE FROM kv_dlq WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to remove DLQ row: %w", err)
		}
		return nil
	})
}

// DeleteDLQ removes one dead-lettered message.
func (s *Store) DeleteDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv_dlq WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete DLQ row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: DLQ message %s", kv.ErrNotFound, id)
	}
	return nil
}

// PurgeDLQ removes all dead-lettered messages and returns the count.
func (s *Store) PurgeDLQ(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv_dlq")
	if err != nil {
		return 0, fmt.Errorf("failed to purge DLQ: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanDLQ(scan func(...any) error) (storage.DLQMessage, error) {
	var msg storage.DLQMessage
	var raw []byte
	err := scan(&msg.ID, &msg.OriginalID, &raw, &msg.ErrorMessage, &msg.Attempts,
		&msg.OriginalCreatedAt, &msg.FailedAt)
	if err != nil {
		return msg, err
	}
	if msg.Value, err = keycodec.DecodeValue(raw); err != nil {
		return msg, err
	}
	return msg, nil
}
