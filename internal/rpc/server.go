// Package rpc exposes the weft engine over HTTP: key-value CRUD, atomic
// commits, SSE watch streams, the reliable queue, full-text search, and
// metrics.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/metrics"
	"github.com/weftdb/weft/internal/storage"
)

// Server is the HTTP front end over a storage backend.
type Server struct {
	store storage.Backend
	sink  *metrics.Sink

	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.RWMutex

	// sseHeartbeat is the idle ping period for SSE streams.
	sseHeartbeat time.Duration
	// watchInterval overrides the watch poll period; zero keeps the
	// watch package default.
	watchInterval time.Duration
	// queuePollInterval is the idle sleep for /queue/listen.
	queuePollInterval time.Duration

	// middleware wraps the routed handler, e.g. with the piercing
	// gateway.
	middleware func(http.Handler) http.Handler
}

// NewServer creates a server on addr recording per-operation metrics
// into sink.
func NewServer(store storage.Backend, sink *metrics.Sink, addr string) *Server {
	return &Server{
		store:             store,
		sink:              sink,
		addr:              addr,
		sseHeartbeat:      15 * time.Second,
		queuePollInterval: time.Second,
	}
}

// Options overrides server timing defaults. Zero fields keep the
// defaults from NewServer.
type Options struct {
	SSEHeartbeat      time.Duration
	WatchInterval     time.Duration
	QueuePollInterval time.Duration
}

// Configure applies timing overrides. Must be called before Start.
func (s *Server) Configure(opts Options) {
	if opts.SSEHeartbeat > 0 {
		s.sseHeartbeat = opts.SSEHeartbeat
	}
	if opts.WatchInterval > 0 {
		s.watchInterval = opts.WatchInterval
	}
	if opts.QueuePollInterval > 0 {
		s.queuePollInterval = opts.QueuePollInterval
	}
}

// Use installs a middleware around the routed handler. Must be called
// before Start.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.middleware = mw
}

// Handler returns the routed HTTP handler. Useful for tests and for
// wrapping with the gateway middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.HandleFunc("/stats", s.handleStats)

	mux.HandleFunc("/keys", s.handleKeysCollection)
	mux.HandleFunc("/keys/", s.handleKeysPath)
	mux.HandleFunc("/atomic", s.handleAtomic)

	mux.HandleFunc("/watch", s.handleWatchKeys)
	mux.HandleFunc("/watch/poll", s.handleWatchPoll)
	mux.HandleFunc("/watch/prefix", s.handleWatchPrefix)
	mux.HandleFunc("/watch/prefix/poll", s.handleWatchPrefixPoll)

	mux.HandleFunc("/queue/enqueue", s.handleEnqueue)
	mux.HandleFunc("/queue/listen", s.handleQueueListen)
	mux.HandleFunc("/queue/poll", s.handleQueuePoll)
	mux.HandleFunc("/queue/ack", s.handleAck)
	mux.HandleFunc("/queue/nack", s.handleNack)
	mux.HandleFunc("/queue/stats", s.handleQueueStats)
	mux.HandleFunc("/queue/dlq", s.handleDLQCollection)
	mux.HandleFunc("/queue/dlq/", s.handleDLQItem)

	mux.HandleFunc("/indexes", s.handleIndexes)
	mux.HandleFunc("/search", s.handleSearch)

	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.Handle("/metrics/prometheus", s.prometheusHandler())

	if s.middleware != nil {
		return s.middleware(mux)
	}
	return mux
}

// Start serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("rpc: listening on %s", listener.Addr())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) prometheusHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(s.sink, s.store.Stats))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.sink.Snapshot())
}

// writeStoreError maps engine errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kv.ErrNotFound), errors.Is(err, kv.ErrNoIndex):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, kv.ErrInvalidArgument),
		errors.Is(err, kv.ErrInvalidKeyPart),
		errors.Is(err, kv.ErrInvalidFields):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, kv.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("rpc: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("rpc: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", kv.ErrInvalidArgument, err)
	}
	return nil
}
