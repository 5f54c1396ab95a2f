// Package metrics aggregates per-operation counters and exposes them as
// JSON and as a Prometheus collector. Metrics never block or fail user
// operations.
package metrics

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/weftdb/weft/internal/storage"
)

// OpStats is one operation's aggregate, as reported by Snapshot.
type OpStats struct {
	Count          int64   `json:"count"`
	Errors         int64   `json:"errors"`
	TotalLatencyMs int64   `json:"totalLatencyMs"`
	MeanLatencyMs  float64 `json:"meanLatencyMs"`
}

// Sink collects per-operation counts, error counts, and latency sums.
// Safe for concurrent use.
type Sink struct {
	mu  sync.Mutex
	ops map[string]*opAgg
}

type opAgg struct {
	count     int64
	errors    int64
	latencyMs int64
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{ops: make(map[string]*opAgg)}
}

// Observe records one completed operation.
func (s *Sink) Observe(op string, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := s.ops[op]
	if agg == nil {
		agg = &opAgg{}
		s.ops[op] = agg
	}
	agg.count++
	agg.latencyMs += elapsed.Milliseconds()
	if err != nil {
		agg.errors++
	}
}

// Track starts a timer for op; call the returned function with the
// operation's error when it finishes.
func (s *Sink) Track(op string) func(error) {
	start := time.Now()
	return func(err error) {
		s.Observe(op, time.Since(start), err)
	}
}

// Snapshot returns the current aggregates keyed by operation.
func (s *Sink) Snapshot() map[string]OpStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]OpStats, len(s.ops))
	for op, agg := range s.ops {
		st := OpStats{Count: agg.count, Errors: agg.errors, TotalLatencyMs: agg.latencyMs}
		if agg.count > 0 {
			st.MeanLatencyMs = float64(agg.latencyMs) / float64(agg.count)
		}
		out[op] = st
	}
	return out
}

// Rows returns the aggregates as flushable rows, sorted by operation.
func (s *Sink) Rows() []storage.MetricRow {
	snap := s.Snapshot()
	rows := make([]storage.MetricRow, 0, len(snap))
	for op, st := range snap {
		rows = append(rows, storage.MetricRow{
			Op:             op,
			Count:          st.Count,
			Errors:         st.Errors,
			TotalLatencyMs: st.TotalLatencyMs,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Op < rows[j].Op })
	return rows
}

// Flusher is the storage surface the durable flush loop needs.
type Flusher interface {
	FlushMetrics(ctx context.Context, rows []storage.MetricRow) error
}

// DefaultFlushInterval between durable metric flushes.
const DefaultFlushInterval = 30 * time.Second

// StartFlusher periodically persists the sink's aggregates, and flushes
// once more when ctx is cancelled. Flush failures are logged and
// dropped. Returns a done channel that closes after the final flush.
func StartFlusher(ctx context.Context, sink *Sink, store Flusher, every time.Duration) <-chan struct{} {
	if every <= 0 {
		every = DefaultFlushInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		flush := func(ctx context.Context) {
			rows := sink.Rows()
			if len(rows) == 0 {
				return
			}
			if err := store.FlushMetrics(ctx, rows); err != nil {
				log.Printf("metrics: flush failed: %v", err)
			}
		}
		for {
			select {
			case <-ctx.Done():
				final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				flush(final)
				cancel()
				return
			case <-ticker.C:
				flush(ctx)
			}
		}
	}()
	return done
}
