package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/storage"
)

// DefaultLeaseDuration is how long a dequeued message stays locked before
// the lease sweeper hands it back to pending.
const DefaultLeaseDuration = 30 * time.Second

// SetLeaseDuration overrides the dequeue lock lease. Call before serving
// traffic.
func (s *Store) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		s.leaseMs.Store(d.Milliseconds())
	}
}

func (s *Store) leaseDurationMs() int64 {
	if v := s.leaseMs.Load(); v > 0 {
		return v
	}
	return DefaultLeaseDuration.Milliseconds()
}

// Enqueue inserts a message that becomes ready after opts.Delay.
func (s *Store) Enqueue(ctx context.Context, value any, opts storage.QueueOptions) (string, error) {
	if opts.Delay < 0 {
		return "", fmt.Errorf("%w: negative delay", kv.ErrInvalidArgument)
	}
	raw, err := keycodec.EncodeValue(value)
	if err != nil {
		return "", err
	}
	schedule := opts.BackoffSchedule
	if schedule == nil {
		schedule = storage.DefaultBackoffSchedule
	}
	scheduleJSON, err := json.Marshal(schedule)
	if err != nil {
		return "", fmt.Errorf("failed to serialize backoff schedule: %w", err)
	}
	keysJSON, err := encodeFallbackKeys(opts.KeysIfUndelivered)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := s.nowUnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv_queue (id, value, ready_at, attempts, max_attempts, backoff_schedule,
		 keys_if_undelivered, status, locked_until, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, 'pending', NULL, ?, ?)`,
		id, raw, now+opts.Delay, len(schedule)+1, string(scheduleJSON), keysJSON, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest ready message, taking a lock lease. The
// status flip and attempt increment happen in one write transaction, so
// concurrent dequeuers see disjoint messages. Returns nil when the queue
// has no ready message.
func (s *Store) Dequeue(ctx context.Context) (*storage.QueueMessage, error) {
	var msg *storage.QueueMessage
	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		now := s.nowUnixMilli()
		var id string
		var raw []byte
		var attempts int
		err := conn.QueryRowContext(ctx,
			`SELECT id, value, attempts FROM kv_queue
			 WHERE status = 'pending' AND ready_at <= ?
			 ORDER BY created_at ASC, id ASC LIMIT 1`, now).Scan(&id, &raw, &attempts)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select message: %w", err)
		}

		_, err = conn.ExecContext(ctx,
			`UPDATE kv_queue SET status = 'processing', attempts = attempts + 1,
			 locked_until = ?, updated_at = ? WHERE id = ?`,
			now+s.leaseDurationMs(), now, id)
		if err != nil {
			return fmt.Errorf("failed to lock message: %w", err)
		}

		value, err := keycodec.DecodeValue(raw)
		if err != nil {
			return err
		}
		msg = &storage.QueueMessage{ID: id, Value: value, Attempts: attempts + 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Ack deletes a delivered message. Acking an unknown id is a no-op.
func (s *Store) Ack(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	return nil
}

// Nack returns a message to pending with its backoff delay, or — when the
// retry schedule is exhausted — moves it to the DLQ and writes the value
// to any configured fallback keys.
func (s *Store) Nack(ctx context.Context, id string) error {
	var events []kv.Event
	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		now := s.nowUnixMilli()
		var raw []byte
		var attempts, maxAttempts int
		var scheduleJSON, keysJSON string
		var createdAt int64
		err := conn.QueryRowContext(ctx,
			`SELECT value, attempts, max_attempts, backoff_schedule, keys_if_undelivered, created_at
			 FROM kv_queue WHERE id = ?`, id).Scan(
			&raw, &attempts, &maxAttempts, &scheduleJSON, &keysJSON, &createdAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: queue message %s", kv.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}

		if attempts < maxAttempts {
			var schedule []int64
			if err := json.Unmarshal([]byte(scheduleJSON), &schedule); err != nil {
				return fmt.Errorf("%w: bad backoff schedule: %v", kv.ErrCorruptValue, err)
			}
			delay := int64(0)
			if len(schedule) > 0 {
				i := attempts - 1
				if i >= len(schedule) {
					i = len(schedule) - 1 // repeat the last entry when overshot
				}
				if i < 0 {
					i = 0
				}
				delay = schedule[i]
			}
			_, err := conn.ExecContext(ctx,
				`UPDATE kv_queue SET status = 'pending', ready_at = ?, locked_until = NULL,
				 updated_at = ? WHERE id = ?`, now+delay, now, id)
			if err != nil {
				return fmt.Errorf("failed to requeue message: %w", err)
			}
			return nil
		}

		// Terminal failure: DLQ insert plus fallback-key writes.
		if _, err := conn.ExecContext(ctx, "DELETE FROM kv_queue WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to remove message: %w", err)
		}
		_, err = conn.ExecContext(ctx,
			`INSERT INTO kv_dlq (id, original_id, value, error_message, attempts, original_created_at, failed_at)
			 VALUES (?, ?, ?, 'Max attempts exceeded', ?, ?, ?)`,
			uuid.NewString(), id, raw, attempts, createdAt, now)
		if err != nil {
			return fmt.Errorf("failed to insert DLQ row: %w", err)
		}

		fallback, err := decodeFallbackKeys(keysJSON)
		if err != nil {
			return err
		}
		if len(fallback) == 0 {
			return nil
		}
		stamp, err := s.vs.Next()
		if err != nil {
			return err
		}
		for _, key := range fallback {
			enc, err := keycodec.EncodeKey(key)
			if err != nil {
				return err
			}
			value, err := keycodec.DecodeValue(raw)
			if err != nil {
				return err
			}
			if err := s.upsert(ctx, conn, enc, value, stamp, sql.NullInt64{}); err != nil {
				return err
			}
			events = append(events, kv.Event{Kind: kv.EventSet, Key: key, Value: value, Versionstamp: stamp})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.dispatch(ctx, events)
	return nil
}

// RecoverLeases returns expired processing messages to pending without
// consuming an extra retry. Called by the lease sweeper.
func (s *Store) RecoverLeases(ctx context.Context) (int64, error) {
	now := s.nowUnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv_queue SET status = 'pending', locked_until = NULL, updated_at = ?
		 WHERE status = 'processing' AND locked_until IS NOT NULL AND locked_until < ?`, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueStats returns queue table populations.
func (s *Store) QueueStats(ctx context.Context) (storage.QueueStats, error) {
	var st storage.QueueStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'pending'),
		   COUNT(*) FILTER (WHERE status = 'processing')
		 FROM kv_queue`).Scan(&st.Pending, &st.Processing)
	if err != nil {
		return st, fmt.Errorf("failed to count queue: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv_dlq").Scan(&st.DLQ); err != nil {
		return st, fmt.Errorf("failed to count DLQ: %w", err)
	}
	st.Total = st.Pending + st.Processing + st.DLQ
	return st, nil
}

// encodeFallbackKeys serializes keys as a JSON array of hex-encoded key
// encodings, which survives any key part type.
func encodeFallbackKeys(keys []kv.Key) (string, error) {
	hexed := make([]string, 0, len(keys))
	for i, key := range keys {
		if len(key) == 0 {
			return "", fmt.Errorf("%w: empty fallback key at index %d", kv.ErrInvalidArgument, i)
		}
		enc, err := keycodec.EncodeKey(key)
		if err != nil {
			return "", fmt.Errorf("fallback key at index %d: %w", i, err)
		}
		hexed = append(hexed, hex.EncodeToString(enc))
	}
	data, err := json.Marshal(hexed)
	if err != nil {
		return "", fmt.Errorf("failed to serialize fallback keys: %w", err)
	}
	return string(data), nil
}

func decodeFallbackKeys(keysJSON string) ([]kv.Key, error) {
	var hexed []string
	if err := json.Unmarshal([]byte(keysJSON), &hexed); err != nil {
		return nil, fmt.Errorf("%w: bad fallback keys: %v", kv.ErrCorruptValue, err)
	}
	keys := make([]kv.Key, 0, len(hexed))
	for _, h := range hexed {
		enc, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("%w: bad fallback key hex: %v", kv.ErrCorruptValue, err)
		}
		key, err := keycodec.DecodeKey(enc)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
