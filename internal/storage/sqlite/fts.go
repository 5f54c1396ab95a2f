package sqlite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/storage"
)

// ftsIndex is one cached catalog row.
type ftsIndex struct {
	encPrefix []byte
	prefix    kv.Key
	fields    []string
	tokenizer string
	table     string
}

var allowedTokenizers = map[string]bool{
	"unicode61": true,
	"ascii":     true,
	"porter":    true,
	"trigram":   true,
}

// ftsTableName derives the stable FTS table name for an encoded prefix.
func ftsTableName(encPrefix []byte) string {
	sum := sha256.Sum256(encPrefix)
	return "fts_" + hex.EncodeToString(sum[:8])
}

// CreateIndex registers a full-text index over all keys below prefix and
// creates its FTS5 table, replacing any prior definition for the same
// prefix. Existing entries under the prefix are indexed immediately.
func (s *Store) CreateIndex(ctx context.Context, prefix kv.Key, fields []string, tokenizer string) (storage.IndexInfo, error) {
	if len(fields) == 0 {
		return storage.IndexInfo{}, kv.ErrInvalidFields
	}
	for _, f := range fields {
		if f == "" || strings.ContainsAny(f, `"'`+"\x00") {
			return storage.IndexInfo{}, fmt.Errorf("%w: bad field %q", kv.ErrInvalidFields, f)
		}
	}
	if tokenizer == "" {
		tokenizer = "unicode61"
	}
	if !allowedTokenizers[tokenizer] {
		return storage.IndexInfo{}, fmt.Errorf("%w: unsupported tokenizer %q", kv.ErrInvalidArgument, tokenizer)
	}
	encPrefix, err := keycodec.EncodeKey(prefix)
	if err != nil {
		return storage.IndexInfo{}, err
	}
	table := ftsTableName(encPrefix)

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return storage.IndexInfo{}, fmt.Errorf("failed to serialize fields: %w", err)
	}

	cols := make([]string, 0, len(fields)+1)
	cols = append(cols, `"doc_key" UNINDEXED`)
	for _, f := range fields {
		cols = append(cols, `"`+f+`"`)
	}
	createSQL := fmt.Sprintf("CREATE VIRTUAL TABLE %s USING fts5(%s, tokenize = '%s')",
		table, strings.Join(cols, ", "), tokenizer)

	err = s.withWriteTx(ctx, func(conn *sql.Conn) error {
		// Replace any prior definition for this prefix.
		if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop prior index table: %w", err)
		}
		if _, err := conn.ExecContext(ctx, "DELETE FROM kv_indexes WHERE prefix = ?", encPrefix); err != nil {
			return fmt.Errorf("failed to clear catalog row: %w", err)
		}
		if _, err := conn.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to create index table: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO kv_indexes (prefix, fields, tokenizer, table_name, created_at) VALUES (?, ?, ?, ?, ?)",
			encPrefix, string(fieldsJSON), tokenizer, table, s.nowUnix()); err != nil {
			return fmt.Errorf("failed to insert catalog row: %w", err)
		}

		// Backfill entries already stored under the prefix.
		start, end, err := keycodec.Range(prefix)
		if err != nil {
			return err
		}
		rows, err := conn.QueryContext(ctx,
			"SELECT key, value FROM kv_entries WHERE key >= ? AND key < ? AND "+ttlCond,
			start, end, s.nowUnix())
		if err != nil {
			return fmt.Errorf("failed to scan entries for backfill: %w", err)
		}
		type pending struct{ key, value []byte }
		var backfill []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.key, &p.value); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan entry: %w", err)
			}
			backfill = append(backfill, p)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read entries: %w", err)
		}
		idx := ftsIndex{encPrefix: encPrefix, prefix: prefix, fields: fields, tokenizer: tokenizer, table: table}
		for _, p := range backfill {
			if err := s.ftsInsertInto(ctx, conn, idx, p.key, p.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.IndexInfo{}, err
	}

	if err := s.loadFTSCache(ctx); err != nil {
		return storage.IndexInfo{}, err
	}
	return storage.IndexInfo{Prefix: prefix, Fields: fields, Tokenizer: tokenizer, TableName: table}, nil
}

// ListIndexes returns the FTS catalog.
func (s *Store) ListIndexes(ctx context.Context) ([]storage.IndexInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT prefix, fields, tokenizer, table_name FROM kv_indexes ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []storage.IndexInfo{}
	for rows.Next() {
		var encPrefix []byte
		var fieldsJSON, tokenizer, table string
		if err := rows.Scan(&encPrefix, &fieldsJSON, &tokenizer, &table); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		prefix, err := keycodec.DecodeKey(encPrefix)
		if err != nil {
			return nil, err
		}
		var fields []string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("%w: bad fields in catalog: %v", kv.ErrCorruptValue, err)
		}
		out = append(out, storage.IndexInfo{Prefix: prefix, Fields: fields, Tokenizer: tokenizer, TableName: table})
	}
	return out, rows.Err()
}

// DropIndex removes the index for prefix and its FTS table.
func (s *Store) DropIndex(ctx context.Context, prefix kv.Key) error {
	encPrefix, err := keycodec.EncodeKey(prefix)
	if err != nil {
		return err
	}
	table := ftsTableName(encPrefix)
	err = s.withWriteTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, "DELETE FROM kv_indexes WHERE prefix = ?", encPrefix)
		if err != nil {
			return fmt.Errorf("failed to delete catalog row: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: no index for prefix", kv.ErrNotFound)
		}
		if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop index table: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.loadFTSCache(ctx)
}

// Search runs a full-text query against the index registered for prefix,
// joining matches back to live entries and ordering by FTS relevance.
func (s *Store) Search(ctx context.Context, prefix kv.Key, query string, limit int, where filter.Filter) ([]kv.Entry, error) {
	encPrefix, err := keycodec.EncodeKey(prefix)
	if err != nil {
		return nil, err
	}
	idx, ok := s.indexForPrefix(encPrefix)
	if !ok {
		return nil, kv.ErrNoIndex
	}

	compiled, err := filter.Compile(where, "e.value")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kv.ErrInvalidArgument, err)
	}
	limit = clampLimit(limit)

	args := []any{query, s.nowUnix()}
	args = append(args, compiled.Args...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT e.key, e.value, e.versionstamp, e.expires_at
		 FROM %[1]s JOIN kv_entries e ON hex(e.key) = %[1]s.doc_key
		 WHERE %[1]s MATCH ? AND (e.expires_at IS NULL OR e.expires_at > ?) AND (%[2]s)
		 ORDER BY %[1]s.rank LIMIT ?`, idx.table, compiled.SQL), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.scanEntries(rows)
}

// loadFTSCache refreshes the in-process catalog cache.
func (s *Store) loadFTSCache(ctx context.Context) error {
	infos, err := s.ListIndexes(ctx)
	if err != nil {
		return err
	}
	cache := make([]ftsIndex, 0, len(infos))
	for _, info := range infos {
		encPrefix, err := keycodec.EncodeKey(info.Prefix)
		if err != nil {
			return err
		}
		cache = append(cache, ftsIndex{
			encPrefix: encPrefix,
			prefix:    info.Prefix,
			fields:    info.Fields,
			tokenizer: info.Tokenizer,
			table:     info.TableName,
		})
	}
	s.ftsMu.Lock()
	s.ftsCache = cache
	s.ftsMu.Unlock()
	return nil
}

// matchIndex returns the first cached index whose prefix is equal to or a
// proper prefix of the encoded key.
func (s *Store) matchIndex(encKey []byte) (ftsIndex, bool) {
	s.ftsMu.RLock()
	defer s.ftsMu.RUnlock()
	for _, idx := range s.ftsCache {
		if bytes.HasPrefix(encKey, idx.encPrefix) {
			return idx, true
		}
	}
	return ftsIndex{}, false
}

func (s *Store) indexForPrefix(encPrefix []byte) (ftsIndex, bool) {
	s.ftsMu.RLock()
	defer s.ftsMu.RUnlock()
	for _, idx := range s.ftsCache {
		if bytes.Equal(idx.encPrefix, encPrefix) {
			return idx, true
		}
	}
	return ftsIndex{}, false
}

// ftsUpsert refreshes the FTS row for a key after a set, when the key
// matches an index. Runs inside the caller's write transaction.
func (s *Store) ftsUpsert(ctx context.Context, conn *sql.Conn, encKey, rawValue []byte) error {
	idx, ok := s.matchIndex(encKey)
	if !ok {
		return nil
	}
	if err := s.ftsDeleteFrom(ctx, conn, idx, encKey); err != nil {
		return err
	}
	return s.ftsInsertInto(ctx, conn, idx, encKey, rawValue)
}

// ftsDelete removes the FTS row for a key from its matching index, if
// any. Runs inside the caller's write transaction.
func (s *Store) ftsDelete(ctx context.Context, conn *sql.Conn, encKey []byte) error {
	idx, ok := s.matchIndex(encKey)
	if !ok {
		return nil
	}
	return s.ftsDeleteFrom(ctx, conn, idx, encKey)
}

func (s *Store) ftsDeleteFrom(ctx context.Context, conn *sql.Conn, idx ftsIndex, encKey []byte) error {
	_, err := conn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "doc_key" = ?`, idx.table), docKey(encKey))
	if err != nil {
		return fmt.Errorf("failed to delete FTS row: %w", err)
	}
	return nil
}

func (s *Store) ftsInsertInto(ctx context.Context, conn *sql.Conn, idx ftsIndex, encKey, rawValue []byte) error {
	cols := make([]string, 0, len(idx.fields)+1)
	exprs := make([]string, 0, len(idx.fields)+1)
	args := make([]any, 0, len(idx.fields)+1)
	cols = append(cols, `"doc_key"`)
	exprs = append(exprs, "?")
	args = append(args, docKey(encKey))
	for _, f := range idx.fields {
		cols = append(cols, `"`+f+`"`)
		// Stringify non-string fields so numbers and booleans remain
		// searchable.
		exprs = append(exprs, fmt.Sprintf("coalesce(CAST(json_extract(?, '$.%s') AS TEXT), '')", f))
		args = append(args, rawValue)
	}
	_, err := conn.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		idx.table, strings.Join(cols, ", "), strings.Join(exprs, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to insert FTS row: %w", err)
	}
	return nil
}

// docKey is the FTS join key: uppercase hex of the encoded entry key,
// matching SQLite's hex() of the BLOB column.
func docKey(encKey []byte) string {
	return strings.ToUpper(hex.EncodeToString(encKey))
}
