// Package storage provides the backend interface and shared types for
// the weft engine.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// (rpc server, transaction façade, queue listener, watch streams) depend
// on these interfaces rather than on the concrete type so that mocks and
// proxies can be substituted.
package storage

import (
	"context"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/kv"
)

// Notifier receives mutation events after a commit is durable. The
// trigger dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, events []kv.Event)
}

// QueueOptions controls Enqueue.
type QueueOptions struct {
	// Delay before the message becomes ready, in milliseconds.
	Delay int64 `json:"delay,omitempty"`
	// BackoffSchedule holds per-retry delays in milliseconds. The
	// message's max attempts is len(BackoffSchedule)+1. Nil selects the
	// default schedule.
	BackoffSchedule []int64 `json:"backoffSchedule,omitempty"`
	// KeysIfUndelivered receives the message value as ordinary KV
	// entries when the message is moved to the DLQ.
	KeysIfUndelivered []kv.Key `json:"keysIfUndelivered,omitempty"`
}

// DefaultBackoffSchedule is used when Enqueue gets no schedule.
var DefaultBackoffSchedule = []int64{1000, 5000, 10000}

// QueueMessage is a dequeued message under lease.
type QueueMessage struct {
	ID       string `json:"id"`
	Value    any    `json:"value"`
	Attempts int    `json:"attempts"`
}

// QueueStats summarizes queue table populations.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DLQ        int64 `json:"dlq"`
	Total      int64 `json:"total"`
}

// DLQMessage is a message that exhausted its retry schedule.
type DLQMessage struct {
	ID                string `json:"id"`
	OriginalID        string `json:"originalId"`
	Value             any    `json:"value"`
	ErrorMessage      string `json:"errorMessage"`
	Attempts          int    `json:"attempts"`
	OriginalCreatedAt int64  `json:"originalCreatedAt"`
	FailedAt          int64  `json:"failedAt"`
}

// IndexInfo describes one entry of the FTS index catalog.
type IndexInfo struct {
	Prefix    kv.Key   `json:"prefix"`
	Fields    []string `json:"fields"`
	Tokenizer string   `json:"tokenizer"`
	TableName string   `json:"tableName"`
}

// EngineStats is a coarse snapshot for the stats surface and the metrics
// gauges.
type EngineStats struct {
	Entries    int64      `json:"entries"`
	Queue      QueueStats `json:"queue"`
	FTSIndexes int64      `json:"ftsIndexes"`
}

// MetricRow is one flushed per-operation aggregate.
type MetricRow struct {
	Op             string
	Count          int64
	Errors         int64
	TotalLatencyMs int64
}

// Backend is the full engine surface implemented by *sqlite.Store.
type Backend interface {
	KV
	Queue
	FTS

	Stats(ctx context.Context) (EngineStats, error)
	FlushMetrics(ctx context.Context, rows []MetricRow) error
	Close() error
}

// KV is the key-value subset of the backend.
type KV interface {
	Get(ctx context.Context, key kv.Key) (kv.Entry, error)
	GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error)
	Set(ctx context.Context, key kv.Key, value any, opts kv.SetOptions) (kv.CommitResult, error)
	// Delete removes the exact key and every key starting with it,
	// optionally constrained by a compiled filter, and returns the
	// number of rows removed.
	Delete(ctx context.Context, prefix kv.Key, where filter.Filter) (int64, error)
	List(ctx context.Context, prefix kv.Key, opts kv.ListOptions, where filter.Filter) ([]kv.Entry, error)
	Count(ctx context.Context, prefix kv.Key) (int64, error)
	Paginate(ctx context.Context, prefix kv.Key, cursor string, limit int, reverse bool) (kv.Page, error)
	CommitAtomic(ctx context.Context, op *kv.AtomicOp) (kv.CommitResult, error)
}

// Queue is the reliable-queue subset of the backend.
type Queue interface {
	Enqueue(ctx context.Context, value any, opts QueueOptions) (string, error)
	Dequeue(ctx context.Context) (*QueueMessage, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string) error
	QueueStats(ctx context.Context) (QueueStats, error)

	ListDLQ(ctx context.Context, limit, offset int) ([]DLQMessage, error)
	GetDLQ(ctx context.Context, id string) (DLQMessage, error)
	RequeueDLQ(ctx context.Context, id string) error
	DeleteDLQ(ctx context.Context, id string) error
	PurgeDLQ(ctx context.Context) (int64, error)
}

// FTS is the full-text index subset of the backend.
type FTS interface {
	CreateIndex(ctx context.Context, prefix kv.Key, fields []string, tokenizer string) (IndexInfo, error)
	ListIndexes(ctx context.Context) ([]IndexInfo, error)
	DropIndex(ctx context.Context, prefix kv.Key) error
	Search(ctx context.Context, prefix kv.Key, query string, limit int, where filter.Filter) ([]kv.Entry, error)
}
