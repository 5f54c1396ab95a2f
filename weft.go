// Package weft provides a minimal public API for embedding the weft
// key-value engine in other Go programs.
//
// Most integrations should talk to a weft server over HTTP. This package
// exports only the essential types and functions needed by programs that
// want to use the storage engine in process.
package weft

import (
	"context"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/queue"
	"github.com/weftdb/weft/internal/storage"
	"github.com/weftdb/weft/internal/storage/sqlite"
	"github.com/weftdb/weft/internal/txn"
)

// Core types for working with entries.
type (
	Key          = kv.Key
	Entry        = kv.Entry
	CommitResult = kv.CommitResult
	SetOptions   = kv.SetOptions
	ListOptions  = kv.ListOptions
	AtomicOp     = kv.AtomicOp
	Filter       = filter.Filter
)

// Queue surface for in-process consumers.
type (
	QueueMessage  = storage.QueueMessage
	QueueHandler  = queue.Handler
	ListenOptions = queue.ListenOptions
	Listener      = queue.Listener
)

// Sentinel errors surfaced by the engine.
var (
	ErrNotFound = kv.ErrNotFound
	ErrConflict = kv.ErrConflict
)

// Store is the full engine surface.
type Store = storage.Backend

// Open opens a weft database for programmatic access. Pass ":memory:"
// for an ephemeral store.
func Open(ctx context.Context, path string) (Store, error) {
	return sqlite.New(ctx, path)
}

// RunTx executes fn inside a snapshot transaction, retrying on
// versionstamp conflicts. The value fn returns is carried through to the
// result.
func RunTx(ctx context.Context, store Store, fn func(tx *txn.Tx) (any, error)) (txn.Result, error) {
	return txn.Run(ctx, store, txn.Options{MaxRetries: -1}, fn)
}

// Listen starts a worker pool that dequeues messages and runs handler on
// each, acking on success and nacking into the retry schedule on error.
// Stop the returned listener to drain in-flight work.
func Listen(ctx context.Context, store Store, handler QueueHandler, opts ListenOptions) *Listener {
	return queue.Listen(ctx, store, handler, opts)
}
