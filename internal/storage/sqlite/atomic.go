package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
)

// CommitAtomic applies an atomic operation: versionstamp checks followed
// by the buffered mutations, all inside one write transaction. A failed
// check returns {ok:false} with no side effects and fires no triggers.
// All mutations share a single commit versionstamp, which also resolves
// any versionstamp placeholders inside mutation keys.
func (s *Store) CommitAtomic(ctx context.Context, op *kv.AtomicOp) (kv.CommitResult, error) {
	if op == nil {
		return kv.CommitResult{}, fmt.Errorf("%w: nil atomic operation", kv.ErrInvalidArgument)
	}

	var stamp string
	var events []kv.Event
	checkFailed := false

	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		now := s.nowUnix()

		for _, check := range op.Checks {
			if len(check.Key) == 0 {
				return fmt.Errorf("%w: empty key in check", kv.ErrInvalidArgument)
			}
			enc, err := keycodec.EncodeKey(check.Key)
			if err != nil {
				return err
			}
			var current string
			err = conn.QueryRowContext(ctx,
				"SELECT versionstamp FROM kv_entries WHERE key = ? AND "+ttlCond,
				enc, now).Scan(&current)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("failed to read check stamp: %w", err)
			}
			if current != check.Versionstamp {
				checkFailed = true
				return errCheckFailed
			}
		}

		var err error
		if stamp, err = s.vs.Next(); err != nil {
			return err
		}

		for i, m := range op.Mutations {
			key := resolvePlaceholders(m.Key, stamp)
			if len(key) == 0 {
				return fmt.Errorf("%w: empty key in mutation %d", kv.ErrInvalidArgument, i)
			}
			event, err := s.applyMutation(ctx, conn, key, m, stamp, now)
			if err != nil {
				return fmt.Errorf("mutation %d: %w", i, err)
			}
			events = append(events, event)
		}
		return nil
	})
	if checkFailed {
		return kv.CommitResult{OK: false}, nil
	}
	if err != nil {
		return kv.CommitResult{}, err
	}

	s.dispatch(ctx, events)
	return kv.CommitResult{OK: true, Versionstamp: stamp}, nil
}

// errCheckFailed aborts the transaction without surfacing an error to the
// caller; a failed check is a normal negative outcome.
var errCheckFailed = fmt.Errorf("atomic check failed")

func (s *Store) applyMutation(ctx context.Context, conn *sql.Conn, key kv.Key, m kv.Mutation, stamp string, now int64) (kv.Event, error) {
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return kv.Event{}, err
	}

	switch m.Type {
	case kv.MutationSet:
		if err := s.upsert(ctx, conn, enc, m.Value, stamp, expiresAt(s.nowUnixMilli(), m.ExpireIn)); err != nil {
			return kv.Event{}, err
		}
		return kv.Event{Kind: kv.EventSet, Key: key, Value: m.Value, Versionstamp: stamp}, nil

	case kv.MutationDelete:
		// Exact-key delete; distinct from the store-level tree delete.
		if _, err := conn.ExecContext(ctx, "DELETE FROM kv_entries WHERE key = ?", enc); err != nil {
			return kv.Event{}, fmt.Errorf("failed to delete: %w", err)
		}
		if err := s.ftsDelete(ctx, conn, enc); err != nil {
			return kv.Event{}, err
		}
		return kv.Event{Kind: kv.EventDelete, Key: key, Versionstamp: stamp}, nil

	case kv.MutationSum, kv.MutationMax, kv.MutationMin:
		operand, err := coerceOperand(m.Value)
		if err != nil {
			return kv.Event{}, err
		}
		current, exists, err := s.readInt64(ctx, conn, enc, now)
		if err != nil {
			return kv.Event{}, err
		}
		var result int64
		switch m.Type {
		case kv.MutationSum:
			// Wrapping two's-complement add at 64 bits, matching
			// conventional atomic counters.
			if !exists {
				current = 0
			}
			result = int64(uint64(current) + uint64(operand))
		case kv.MutationMax:
			result = operand
			if exists && current > operand {
				result = current
			}
		case kv.MutationMin:
			result = operand
			if exists && current < operand {
				result = current
			}
		}
		if err := s.upsert(ctx, conn, enc, result, stamp, sql.NullInt64{}); err != nil {
			return kv.Event{}, err
		}
		return kv.Event{Kind: kv.EventSet, Key: key, Value: result, Versionstamp: stamp}, nil

	case kv.MutationAppend, kv.MutationPrepend:
		operand, ok := m.Value.([]any)
		if !ok {
			return kv.Event{}, fmt.Errorf("%w: %s operand must be an array", kv.ErrInvalidArgument, m.Type)
		}
		current, err := s.readArray(ctx, conn, enc, now)
		if err != nil {
			return kv.Event{}, err
		}
		var combined []any
		if m.Type == kv.MutationAppend {
			combined = append(append([]any{}, current...), operand...)
		} else {
			combined = append(append([]any{}, operand...), current...)
		}
		if err := s.upsert(ctx, conn, enc, combined, stamp, sql.NullInt64{}); err != nil {
			return kv.Event{}, err
		}
		return kv.Event{Kind: kv.EventSet, Key: key, Value: combined, Versionstamp: stamp}, nil

	default:
		return kv.Event{}, fmt.Errorf("%w: unknown mutation type %q", kv.ErrInvalidArgument, m.Type)
	}
}

func (s *Store) upsert(ctx context.Context, conn *sql.Conn, encKey []byte, value any, stamp string, expires sql.NullInt64) error {
	raw, err := keycodec.EncodeValue(value)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, versionstamp, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		 versionstamp = excluded.versionstamp, expires_at = excluded.expires_at`,
		encKey, raw, stamp, expires)
	if err != nil {
		return fmt.Errorf("failed to upsert: %w", err)
	}
	return s.ftsUpsert(ctx, conn, encKey, raw)
}

// readInt64 reads the current numeric value of a key, coerced from the
// stored JSON number.
func (s *Store) readInt64(ctx context.Context, conn *sql.Conn, encKey []byte, now int64) (int64, bool, error) {
	var raw []byte
	err := conn.QueryRowContext(ctx,
		"SELECT value FROM kv_entries WHERE key = ? AND "+ttlCond, encKey, now).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read current value: %w", err)
	}
	value, err := keycodec.DecodeValue(raw)
	if err != nil {
		return 0, false, err
	}
	n, err := coerceOperand(value)
	if err != nil {
		return 0, false, fmt.Errorf("%w: stored value is not a 64-bit number", kv.ErrInvalidArgument)
	}
	return n, true, nil
}

func (s *Store) readArray(ctx context.Context, conn *sql.Conn, encKey []byte, now int64) ([]any, error) {
	var raw []byte
	err := conn.QueryRowContext(ctx,
		"SELECT value FROM kv_entries WHERE key = ? AND "+ttlCond, encKey, now).Scan(&raw)
	if err == sql.ErrNoRows {
		return []any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current value: %w", err)
	}
	value, err := keycodec.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	arr, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: stored value is not an array", kv.ErrInvalidArgument)
	}
	return arr, nil
}

// coerceOperand converts a numeric operand to int64, rejecting values
// that exceed 64 signed bits rather than silently truncating.
func coerceOperand(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("%w: operand exceeds 64 bits", kv.ErrInvalidArgument)
		}
		return n.Int64(), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: operand %q is not a 64-bit integer", kv.ErrInvalidArgument, n)
		}
		return i, nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("%w: operand %v is not a 64-bit integer", kv.ErrInvalidArgument, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: operand type %T is not numeric", kv.ErrInvalidArgument, v)
	}
}

// resolvePlaceholders substitutes the commit versionstamp for any
// placeholder parts in a mutation key.
func resolvePlaceholders(key kv.Key, stamp string) kv.Key {
	resolved := make(kv.Key, len(key))
	for i, part := range key {
		if str, ok := part.(string); ok && str == kv.VersionstampPlaceholder {
			resolved[i] = stamp
			continue
		}
		resolved[i] = part
	}
	return resolved
}

// expiresAt converts a relative millisecond TTL to an absolute
// epoch-second deadline, rounding up so short TTLs stay observable.
func expiresAt(nowMs, expireInMs int64) sql.NullInt64 {
	if expireInMs <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: (nowMs + expireInMs + 999) / 1000, Valid: true}
}
