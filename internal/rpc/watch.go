package rpc

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/watch"
)

// MaxWatchKeys caps the key set of a single watch.
const MaxWatchKeys = 100

// parseWatchKeys parses the comma-separated list of slash-encoded key
// paths from the keys query parameter.
func parseWatchKeys(raw string) ([]kv.Key, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: keys parameter is required", kv.ErrInvalidArgument)
	}
	paths := strings.Split(raw, ",")
	if len(paths) > MaxWatchKeys {
		return nil, fmt.Errorf("%w: watch key count %d exceeds maximum %d", kv.ErrInvalidArgument, len(paths), MaxWatchKeys)
	}
	keys := make([]kv.Key, 0, len(paths))
	for i, p := range paths {
		key, err := parseKeyPath(p)
		if err != nil {
			return nil, fmt.Errorf("key at index %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Server) watchOptions(r *http.Request) watch.Options {
	opts := watch.Options{
		Interval:    s.watchInterval,
		EmitInitial: parseBool(r.URL.Query().Get("initial")),
	}
	return opts
}

// handleWatchKeys serves GET /watch?keys=a/1,b/2 as an SSE stream of
// change batches.
func (s *Server) handleWatchKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	keys, err := parseWatchKeys(r.URL.Query().Get("keys"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.sink.Observe("watch", 0, nil)
	batches := watch.Keys(r.Context(), s.store, keys, s.watchOptions(r))
	s.serveSSE(w, r, batches)
}

// handleWatchPrefix serves GET /watch/prefix?prefix=a/b as an SSE stream.
func (s *Server) handleWatchPrefix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	prefix, err := parseKeyPrefix(q.Get("prefix"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	opts := s.watchOptions(r)
	if opts.Limit, err = parseLimit(q.Get("limit")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.sink.Observe("watch", 0, nil)
	batches := watch.Prefix(r.Context(), s.store, prefix, opts)
	s.serveSSE(w, r, batches)
}

// handleWatchPoll serves /watch/poll: a single diff against the
// client-held position. GET carries keys and versionstamps in the query
// (aligned by index); POST carries a JSON body with the position map.
func (s *Server) handleWatchPoll(w http.ResponseWriter, r *http.Request) {
	done := s.sink.Track("watchPoll")

	var keys []kv.Key
	var position watch.Stamps
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		parsed, err := parseWatchKeys(q.Get("keys"))
		if err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		keys = parsed
		if position, err = positionFromQuery(keys, q.Get("versionstamps")); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
	case http.MethodPost:
		var body struct {
			Keys     [][]any      `json:"keys"`
			Position watch.Stamps `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		parsed, err := keysFromJSON(body.Keys)
		if err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		keys = parsed
		position = body.Position
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if len(keys) == 0 {
		done(kv.ErrInvalidArgument)
		writeError(w, http.StatusBadRequest, "keys is required")
		return
	}

	changes, next, err := watch.DiffKeys(r.Context(), s.store, keys, position)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "position": next})
}

// positionFromQuery rebuilds a watch position from the versionstamps
// query parameter: a comma-separated list aligned with keys, empty slots
// meaning the key has not been observed yet.
func positionFromQuery(keys []kv.Key, raw string) (watch.Stamps, error) {
	if raw == "" {
		return nil, nil
	}
	stamps := strings.Split(raw, ",")
	if len(stamps) != len(keys) {
		return nil, fmt.Errorf("%w: versionstamps count %d does not match keys count %d", kv.ErrInvalidArgument, len(stamps), len(keys))
	}
	position := make(watch.Stamps, len(keys))
	for i, stamp := range stamps {
		if stamp == "" {
			continue
		}
		if err := position.Set(keys[i], stamp); err != nil {
			return nil, err
		}
	}
	return position, nil
}

// handleWatchPrefixPoll serves POST /watch/prefix/poll.
func (s *Server) handleWatchPrefixPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	done := s.sink.Track("watchPoll")
	var body struct {
		Prefix   []any        `json:"prefix"`
		Limit    int          `json:"limit"`
		Position watch.Stamps `json:"position"`
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

	changes, position, err := watch.DiffPrefix(r.Context(), s.store, prefix, body.Limit, body.Position)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "position": position})
}

// serveSSE writes change batches as server-sent events until the stream
// closes or the client disconnects. Idle connections get comment pings.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, batches <-chan []watch.Change) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case batch, open := <-batches:
			if !open {
				return
			}
			data, err := json.Marshal(batch)
			if err != nil {
				log.Printf("rpc: failed to encode watch batch: %v", err)
				return
			}
			fmt.Fprintf(w, "event: changes\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
