package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/kv"
)

// Wire limits for the key-value surface.
const (
	MaxKeyDepth      = 20
	MaxKeyPartLength = 1024
	MaxBatchSize     = 1000
)

// parseKeyPath parses a slash-separated path into a key and enforces
// the wire limits.
func parseKeyPath(path string) (kv.Key, error) {
	key, err := kv.ParsePath(path)
	if err != nil {
		return nil, err
	}
	if len(key) > MaxKeyDepth {
		return nil, fmt.Errorf("%w: key depth %d exceeds maximum %d", kv.ErrInvalidArgument, len(key), MaxKeyDepth)
	}
	for i, part := range key {
		if s, ok := part.(string); ok && len(s) > MaxKeyPartLength {
			return nil, fmt.Errorf("%w: key part at index %d exceeds %d bytes", kv.ErrInvalidArgument, i, MaxKeyPartLength)
		}
	}
	return key, nil
}

// parseKeyPrefix is parseKeyPath but permits the empty path (the root
// prefix).
func parseKeyPrefix(path string) (kv.Key, error) {
	if path == "" {
		return kv.Key{}, nil
	}
	return parseKeyPath(path)
}

// keyFromJSON converts a decoded JSON array into a key, enforcing the
// wire limits.
func keyFromJSON(parts []any) (kv.Key, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty key", kv.ErrInvalidArgument)
	}
	if len(parts) > MaxKeyDepth {
		return nil, fmt.Errorf("%w: key depth %d exceeds maximum %d", kv.ErrInvalidArgument, len(parts), MaxKeyDepth)
	}
	key := make(kv.Key, 0, len(parts))
	for i, part := range parts {
		switch p := part.(type) {
		case string:
			if len(p) > MaxKeyPartLength {
				return nil, fmt.Errorf("%w: key part at index %d exceeds %d bytes", kv.ErrInvalidArgument, i, MaxKeyPartLength)
			}
			key = append(key, p)
		case json.Number:
			f, err := p.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: key part at index %d is not a valid number", kv.ErrInvalidArgument, i)
			}
			key = append(key, f)
		case float64:
			key = append(key, p)
		case bool:
			key = append(key, p)
		default:
			return nil, fmt.Errorf("%w: key part at index %d has unsupported type", kv.ErrInvalidArgument, i)
		}
	}
	return key, nil
}

func keysFromJSON(raw [][]any) ([]kv.Key, error) {
	if len(raw) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size %d exceeds maximum %d", kv.ErrInvalidArgument, len(raw), MaxBatchSize)
	}
	keys := make([]kv.Key, 0, len(raw))
	for i, parts := range raw {
		key, err := keyFromJSON(parts)
		if err != nil {
			return nil, fmt.Errorf("key at index %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// handleKeysCollection serves GET /keys (list by query parameters).
func (s *Server) handleKeysCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	done := s.sink.Track("list")
	q := r.URL.Query()
	prefix, err := parseKeyPrefix(q.Get("prefix"))
	if err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}
	opts := kv.ListOptions{Reverse: parseBool(q.Get("reverse"))}
	if v := q.Get("start"); v != "" {
		if opts.Start, err = parseKeyPath(v); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if opts.End, err = parseKeyPath(v); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
	}
	if opts.Limit, err = parseLimit(q.Get("limit")); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	entries, err := s.store.List(r.Context(), prefix, opts, nil)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleKeysPath serves /keys/<path> plus the reserved subroutes
// /keys/batch, /keys/list, /keys/count, and /keys/paginate.
func (s *Server) handleKeysPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/keys/")
	switch {
	case rest == "batch" && r.Method == http.MethodPost:
		s.handleBatchGet(w, r)
		return
	case rest == "list" && r.Method == http.MethodPost:
		s.handleListPost(w, r)
		return
	case rest == "count" && r.Method == http.MethodGet:
		s.handleCount(w, r)
		return
	case rest == "paginate" && r.Method == http.MethodGet:
		s.handlePaginate(w, r)
		return
	}

	key, err := parseKeyPath(rest)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, key)
	case http.MethodPut:
		s.handleSet(w, r, key)
	case http.MethodDelete:
		s.handleDelete(w, r, key)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key kv.Key) {
	done := s.sink.Track("get")
	entry, err := s.store.Get(r.Context(), key)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !entry.Exists() {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request, key kv.Key) {
	done := s.sink.Track("set")
	var opts kv.SetOptions
	if v := r.URL.Query().Get("expireIn"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			done(kv.ErrInvalidArgument)
			writeError(w, http.StatusBadRequest, "expireIn must be a non-negative integer of milliseconds")
			return
		}
		opts.ExpireIn = ms
	}
	var value any
	if err := decodeBody(r, &value); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	res, err := s.store.Set(r.Context(), key, value, opts)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, key kv.Key) {
	done := s.sink.Track("delete")
	var where filter.Filter
	if r.ContentLength > 0 {
		var body struct {
			Where filter.Filter `json:"where"`
		}
		if err := decodeBody(r, &body); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		where = body.Where
	}

	deleted, err := s.store.Delete(r.Context(), key, where)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deletedCount": deleted})
}

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	done := s.sink.Track("getMany")
	var body struct {
		Keys [][]any `json:"keys"`
	}
	if err := decodeBody(r, &body); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}
	keys, err := keysFromJSON(body.Keys)
	if err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	entries, err := s.store.GetMany(r.Context(), keys)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleListPost(w http.ResponseWriter, r *http.Request) {
	done := s.sink.Track("list")
	var body struct {
		Prefix  []any         `json:"prefix"`
		Start   []any         `json:"start"`
		End     []any         `json:"end"`
		Limit   int           `json:"limit"`
		Reverse bool          `json:"reverse"`
		Where   filter.Filter `json:"where"`
	}
	if err := decodeBody(r, &body); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	prefix := kv.Key{}
	var err error
	if len(body.Prefix) > 0 {
		if prefix, err = keyFromJSON(body.Prefix); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
	}
	opts := kv.ListOptions{Limit: body.Limit, Reverse: body.Reverse}
	if len(body.Start) > 0 {
		if opts.Start, err = keyFromJSON(body.Start); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
	}
	if len(body.End) > 0 {
		if opts.End, err = keyFromJSON(body.End); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
	}

	entries, err := s.store.List(r.Context(), prefix, opts, body.Where)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	done := s.sink.Track("count")
	prefix, err := parseKeyPrefix(r.URL.Query().Get("prefix"))
	if err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}
	n, err := s.store.Count(r.Context(), prefix)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handlePaginate(w http.ResponseWriter, r *http.Request) {
	done := s.sink.Track("paginate")
	q := r.URL.Query()
	prefix, err := parseKeyPrefix(q.Get("prefix"))
	if err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	page, err := s.store.Paginate(r.Context(), prefix, q.Get("cursor"), limit, parseBool(q.Get("reverse")))
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", kv.ErrInvalidArgument)
	}
	return n, nil
}
