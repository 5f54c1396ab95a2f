package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/storage"
)

const ttlCond = "(expires_at IS NULL OR expires_at > ?)"

// Get returns the live entry for key, or a non-existent entry (empty
// versionstamp) when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Entry, error) {
	if len(key) == 0 {
		return kv.Entry{}, fmt.Errorf("%w: empty key", kv.ErrInvalidArgument)
	}
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return kv.Entry{}, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT value, versionstamp, expires_at FROM kv_entries WHERE key = ? AND "+ttlCond,
		enc, s.nowUnix())

	var raw []byte
	var stamp string
	var expires sql.NullInt64
	switch err := row.Scan(&raw, &stamp, &expires); err {
	case nil:
	case sql.ErrNoRows:
		return kv.Entry{Key: key}, nil
	default:
		return kv.Entry{}, fmt.Errorf("failed to get key: %w", err)
	}

	value, err := keycodec.DecodeValue(raw)
	if err != nil {
		return kv.Entry{}, err
	}
	return kv.Entry{Key: key, Value: value, Versionstamp: stamp, ExpiresAt: expires.Int64}, nil
}

// GetMany batches a multi-key read into one IN query and returns entries
// in request order, with non-existent entries for misses.
func (s *Store) GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error) {
	if len(keys) == 0 {
		return []kv.Entry{}, nil
	}

	encoded := make([][]byte, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, key := range keys {
		if len(key) == 0 {
			return nil, fmt.Errorf("%w: empty key at index %d", kv.ErrInvalidArgument, i)
		}
		enc, err := keycodec.EncodeKey(key)
		if err != nil {
			return nil, fmt.Errorf("key at index %d: %w", i, err)
		}
		encoded[i] = enc
		args = append(args, enc)
	}
	args = append(args, s.nowUnix())

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, versionstamp, expires_at FROM kv_entries WHERE key IN ("+
			placeholders+") AND "+ttlCond, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]kv.Entry, len(keys))
	for rows.Next() {
		var encKey, raw []byte
		var stamp string
		var expires sql.NullInt64
		if err := rows.Scan(&encKey, &raw, &stamp, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		value, err := keycodec.DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		found[string(encKey)] = kv.Entry{Value: value, Versionstamp: stamp, ExpiresAt: expires.Int64}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	out := make([]kv.Entry, len(keys))
	for i, key := range keys {
		entry := found[string(encoded[i])]
		entry.Key = key
		out[i] = entry
	}
	return out, nil
}

// Set upserts one entry through the atomic committer, so triggers, FTS
// maintenance, and versionstamp assignment share a single code path.
func (s *Store) Set(ctx context.Context, key kv.Key, value any, opts kv.SetOptions) (kv.CommitResult, error) {
	if len(key) == 0 {
		return kv.CommitResult{}, fmt.Errorf("%w: empty key", kv.ErrInvalidArgument)
	}
	op := new(kv.AtomicOp).SetWithTTL(key, value, opts.ExpireIn)
	return s.CommitAtomic(ctx, op)
}

// Delete removes the exact prefix key and every key below it (tree
// delete), optionally constrained by a value filter, and fires a single
// delete trigger for the prefix.
func (s *Store) Delete(ctx context.Context, prefix kv.Key, where filter.Filter) (int64, error) {
	encExact, err := keycodec.EncodeKey(prefix)
	if err != nil {
		return 0, err
	}
	start, end, err := keycodec.Range(prefix)
	if err != nil {
		return 0, err
	}
	compiled, err := filter.Compile(where, "value")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", kv.ErrInvalidArgument, err)
	}

	cond := "(key >= ? AND key < ?) AND (" + compiled.SQL + ")"
	args := []any{start, end}
	if len(prefix) > 0 {
		cond = "(key = ? OR (key >= ? AND key < ?)) AND (" + compiled.SQL + ")"
		args = []any{encExact, start, end}
	}
	args = append(args, compiled.Args...)

	var deleted int64
	err = s.withWriteTx(ctx, func(conn *sql.Conn) error {
		// Collect affected keys first so FTS rows can be removed in the
		// same transaction.
		rows, err := conn.QueryContext(ctx, "SELECT key FROM kv_entries WHERE "+cond, args...)
		if err != nil {
			return fmt.Errorf("failed to select keys for delete: %w", err)
		}
		var affected [][]byte
		for rows.Next() {
			var k []byte
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan key: %w", err)
			}
			affected = append(affected, k)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read keys: %w", err)
		}
		if len(affected) == 0 {
			return nil
		}

		res, err := conn.ExecContext(ctx, "DELETE FROM kv_entries WHERE "+cond, args...)
		if err != nil {
			return fmt.Errorf("failed to delete: %w", err)
		}
		deleted, _ = res.RowsAffected()

		for _, encKey := range affected {
			if err := s.ftsDelete(ctx, conn, encKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.dispatch(ctx, []kv.Event{{Kind: kv.EventDelete, Key: prefix}})
	return deleted, nil
}

// List returns entries below prefix in encoded-key order. Start and End
// bound the scan in the physical ascending key space regardless of
// Reverse. Corrupt rows are logged and skipped.
func (s *Store) List(ctx context.Context, prefix kv.Key, opts kv.ListOptions, where filter.Filter) ([]kv.Entry, error) {
	start, end, err := keycodec.Range(prefix)
	if err != nil {
		return nil, err
	}
	if opts.Start != nil {
		encStart, err := keycodec.EncodeKey(opts.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: start: %v", kv.ErrInvalidArgument, err)
		}
		if bytes.Compare(encStart, start) > 0 {
			start = encStart
		}
	}
	if opts.End != nil {
		encEnd, err := keycodec.EncodeKey(opts.End)
		if err != nil {
			return nil, fmt.Errorf("%w: end: %v", kv.ErrInvalidArgument, err)
		}
		if bytes.Compare(encEnd, end) < 0 {
			end = encEnd
		}
	}

	compiled, err := filter.Compile(where, "value")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kv.ErrInvalidArgument, err)
	}

	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}
	limit := clampLimit(opts.Limit)

	args := append([]any{start, end, s.nowUnix()}, compiled.Args...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, versionstamp, expires_at FROM kv_entries WHERE key >= ? AND key < ? AND "+
			ttlCond+" AND ("+compiled.SQL+") ORDER BY key "+order+" LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.scanEntries(rows)
}

// Count returns the number of live entries below prefix.
func (s *Store) Count(ctx context.Context, prefix kv.Key) (int64, error) {
	start, end, err := keycodec.Range(prefix)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kv_entries WHERE key >= ? AND key < ? AND "+ttlCond,
		start, end, s.nowUnix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

// Paginate returns one page below prefix plus an opaque cursor. The
// cursor is the base64 of the last-seen encoded key; HasMore is derived
// by fetching one extra row.
func (s *Store) Paginate(ctx context.Context, prefix kv.Key, cursor string, limit int, reverse bool) (kv.Page, error) {
	start, end, err := keycodec.Range(prefix)
	if err != nil {
		return kv.Page{}, err
	}
	limit = clampLimit(limit)

	cond := "key >= ? AND key < ?"
	args := []any{start, end}
	if cursor != "" {
		after, err := base64.URLEncoding.DecodeString(cursor)
		if err != nil {
			return kv.Page{}, fmt.Errorf("%w: malformed cursor", kv.ErrInvalidArgument)
		}
		if reverse {
			cond = "key >= ? AND key < ? AND key < ?"
		} else {
			cond = "key >= ? AND key < ? AND key > ?"
		}
		args = append(args, after)
	}
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	args = append(args, s.nowUnix(), limit+1)

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, versionstamp, expires_at FROM kv_entries WHERE "+cond+
			" AND "+ttlCond+" ORDER BY key "+order+" LIMIT ?", args...)
	if err != nil {
		return kv.Page{}, fmt.Errorf("failed to paginate: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := s.scanEntries(rows)
	if err != nil {
		return kv.Page{}, err
	}

	page := kv.Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
	}
	if n := len(page.Entries); n > 0 {
		lastEnc, err := keycodec.EncodeKey(page.Entries[n-1].Key)
		if err != nil {
			return kv.Page{}, err
		}
		page.Cursor = base64.URLEncoding.EncodeToString(lastEnc)
	}
	return page, nil
}

// Stats returns a coarse engine snapshot.
func (s *Store) Stats(ctx context.Context) (storage.EngineStats, error) {
	var st storage.EngineStats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kv_entries WHERE "+ttlCond, s.nowUnix()).Scan(&st.Entries)
	if err != nil {
		return st, fmt.Errorf("failed to count entries: %w", err)
	}
	if st.Queue, err = s.QueueStats(ctx); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv_indexes").Scan(&st.FTSIndexes); err != nil {
		return st, fmt.Errorf("failed to count indexes: %w", err)
	}
	return st, nil
}

func (s *Store) scanEntries(rows *sql.Rows) ([]kv.Entry, error) {
	entries := []kv.Entry{}
	for rows.Next() {
		var encKey, raw []byte
		var stamp string
		var expires sql.NullInt64
		if err := rows.Scan(&encKey, &raw, &stamp, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		key, err := keycodec.DecodeKey(encKey)
		if err != nil {
			log.Printf("sqlite: skipping corrupt key %x: %v", encKey, err)
			continue
		}
		value, err := keycodec.DecodeValue(raw)
		if err != nil {
			log.Printf("sqlite: skipping corrupt value for key %x: %v", encKey, err)
			continue
		}
		entries = append(entries, kv.Entry{Key: key, Value: value, Versionstamp: stamp, ExpiresAt: expires.Int64})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return entries, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return kv.DefaultListLimit
	}
	if limit > kv.MaxListLimit {
		return kv.MaxListLimit
	}
	return limit
}
