package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/storage"
)

// handleEnqueue serves POST /queue/enqueue.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	done := s.sink.Track("enqueue")
	var body struct {
		Value             any     `json:"value"`
		Delay             int64   `json:"delay"`
		BackoffSchedule   []int64 `json:"backoffSchedule"`
		KeysIfUndelivered [][]any `json:"keysIfUndelivered"`
	}
	if err := decodeBody(r, &body); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}
	opts := storage.QueueOptions{
		Delay:           body.Delay,
		BackoffSchedule: body.BackoffSchedule,
	}
	if len(body.KeysIfUndelivered) > 0 {
		keys, err := keysFromJSON(body.KeysIfUndelivered)
		if err != nil {
			done(err)
			s.writeStoreError(w, err)
			return
		}
		opts.KeysIfUndelivered = keys
	}

	id, err := s.store.Enqueue(r.Context(), body.Value, opts)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleQueuePoll serves GET /queue/poll: a single dequeue attempt. An
// empty queue answers 204. POST is accepted too since the dequeue leases
// a message as a side effect.
func (s *Server) handleQueuePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	done := s.sink.Track("dequeue")
	msg, err := s.store.Dequeue(r.Context())
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleQueueListen serves GET /queue/listen: an SSE stream of leased
// messages. The client acknowledges out of band via /queue/ack.
func (s *Server) handleQueueListen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
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

	idle := time.NewTicker(s.queuePollInterval)
	defer idle.Stop()
	heartbeat := time.NewTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	for {
		msg, err := s.store.Dequeue(r.Context())
		if err != nil {
			if r.Context().Err() == nil {
				log.Printf("rpc: queue listen dequeue failed: %v", err)
			}
			return
		}
		if msg != nil {
			s.sink.Observe("dequeue", 0, nil)
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("rpc: failed to encode queue message: %v", err)
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
			continue
		}
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case <-idle.C:
		}
	}
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.handleQueueIDAction(w, r, "ack", s.store.Ack)
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	s.handleQueueIDAction(w, r, "nack", s.store.Nack)
}

func (s *Server) handleQueueIDAction(w http.ResponseWriter, r *http.Request, op string, action func(ctx context.Context, id string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	done := s.sink.Track(op)
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}
	if body.ID == "" {
		done(kv.ErrInvalidArgument)
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	err := action(r.Context(), body.ID)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.store.QueueStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDLQCollection serves GET /queue/dlq (list) and DELETE /queue/dlq
// (purge).
func (s *Server) handleDLQCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		limit, err := parseLimit(q.Get("limit"))
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		offset := 0
		if v := q.Get("offset"); v != "" {
			if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
				writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
				return
			}
		}
		msgs, err := s.store.ListDLQ(r.Context(), limit, offset)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	case http.MethodDelete:
		purged, err := s.store.PurgeDLQ(r.Context())
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"purged": purged})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDLQItem serves /queue/dlq/<id> (GET, DELETE) and
// POST /queue/dlq/<id>/requeue.
func (s *Server) handleDLQItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/queue/dlq/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "message id is required")
		return
	}

	switch {
	case action == "requeue" && r.Method == http.MethodPost:
		if err := s.store.RequeueDLQ(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case action != "":
		writeError(w, http.StatusNotFound, "unknown dead-letter action")
	case r.Method == http.MethodGet:
		msg, err := s.store.GetDLQ(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	case r.Method == http.MethodDelete:
		if err := s.store.DeleteDLQ(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
