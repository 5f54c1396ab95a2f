package rpc

import (
	"net/http"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/kv"
)

// handleIndexes serves the full-text index catalog: POST creates or
// replaces, GET lists, DELETE drops by ?prefix=.
func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateIndex(w, r)
	case http.MethodGet:
		infos, err := s.store.ListIndexes(r.Context())
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indexes": infos})
	case http.MethodDelete:
		prefix, err := parseKeyPath(r.URL.Query().Get("prefix"))
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if err := s.store.DropIndex(r.Context(), prefix); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	done := s.sink.Track("createIndex")
	var body struct {
		Prefix    []any    `json:"prefix"`
		Fields    []string `json:"fields"`
		Tokenizer string   `json:"tokenizer"`
	}
	if err := decodeBody(r, &body); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}
	prefix, err := keyFromJSON(body.Prefix)
	if err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	info, err := s.store.CreateIndex(r.Context(), prefix, body.Fields, body.Tokenizer)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSearch serves GET /search?prefix=&q=&limit= and POST /search
// with an optional where filter.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	done := s.sink.Track("search")

	var (
		prefix kv.Key
		query  string
		limit  int
		where  filter.Filter
		err    error
	)
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if prefix, err = parseKeyPath(q.Get("prefix")); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		query = q.Get("q")
		if limit, err = parseLimit(q.Get("limit")); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
	case http.MethodPost:
		var body struct {
			Prefix []any         `json:"prefix"`
			Query  string        `json:"query"`
			Limit  int           `json:"limit"`
			Where  filter.Filter `json:"where"`
		}
		if err = decodeBody(r, &body); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		if prefix, err = keyFromJSON(body.Prefix); err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		query, limit, where = body.Query, body.Limit, body.Where
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if query == "" {
		done(kv.ErrInvalidArgument)
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	entries, err := s.store.Search(r.Context(), prefix, query, limit, where)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
