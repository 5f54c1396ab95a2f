// Package txn provides optimistic snapshot transactions over the storage
// backend: reads are cached and checked at commit, writes are buffered
// into one atomic operation.
package txn

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
)

// Store is the backend surface a transaction needs.
type Store interface {
	Get(ctx context.Context, key kv.Key) (kv.Entry, error)
	GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error)
	CommitAtomic(ctx context.Context, op *kv.AtomicOp) (kv.CommitResult, error)
}

// Default retry settings for Run.
const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 50 * time.Millisecond
)

// Options tunes the conflict retry loop.
type Options struct {
	// MaxRetries is the number of re-executions after the first attempt
	// conflicts. Negative selects DefaultMaxRetries.
	MaxRetries int
	// BackoffBase is the initial retry delay; it doubles per attempt
	// with jitter. Zero selects DefaultBackoffBase.
	BackoffBase time.Duration
}

// Result is the outcome of Run.
type Result struct {
	OK           bool
	Versionstamp string
	// Value is whatever the closure returned on the committed attempt.
	Value any
}

// Tx is one transaction attempt. Reads go through the store once and are
// cached; mutations are buffered until Commit. Not safe for concurrent
// use.
type Tx struct {
	store  Store
	closed bool

	// reads caches entries by encoded key, in first-read order. Every
	// cached read becomes a versionstamp check at commit.
	reads     map[string]kv.Entry
	readOrder []string

	// writes overlays buffered set/delete values for read-your-writes.
	writes map[string]kv.Entry

	mutations []kv.Mutation
}

// NewTx starts a transaction attempt against store. Most callers want
// Run, which adds the conflict retry loop.
func NewTx(store Store) *Tx {
	return &Tx{
		store:  store,
		reads:  make(map[string]kv.Entry),
		writes: make(map[string]kv.Entry),
	}
}

// Get returns the entry for key, reading through the store on first
// access and from the snapshot cache afterwards. Buffered writes from
// this transaction are visible.
func (t *Tx) Get(ctx context.Context, key kv.Key) (kv.Entry, error) {
	if t.closed {
		return kv.Entry{}, kv.ErrTxClosed
	}
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return kv.Entry{}, err
	}
	return t.get(ctx, key, string(enc))
}

// GetMany returns entries for keys in request order, caching each read.
func (t *Tx) GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error) {
	if t.closed {
		return nil, kv.ErrTxClosed
	}
	out := make([]kv.Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := t.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (t *Tx) get(ctx context.Context, key kv.Key, enc string) (kv.Entry, error) {
	if entry, ok := t.writes[enc]; ok {
		return entry, nil
	}
	if entry, ok := t.reads[enc]; ok {
		return entry, nil
	}
	entry, err := t.store.Get(ctx, key)
	if err != nil {
		return kv.Entry{}, err
	}
	t.reads[enc] = entry
	t.readOrder = append(t.readOrder, enc)
	return entry, nil
}

// Set buffers an upsert.
func (t *Tx) Set(key kv.Key, value any) error {
	return t.buffer(key, kv.Mutation{Type: kv.MutationSet, Key: key, Value: value},
		kv.Entry{Key: key, Value: value})
}

// SetWithTTL buffers an upsert with a relative expiry in milliseconds.
func (t *Tx) SetWithTTL(key kv.Key, value any, expireIn int64) error {
	return t.buffer(key, kv.Mutation{Type: kv.MutationSet, Key: key, Value: value, ExpireIn: expireIn},
		kv.Entry{Key: key, Value: value})
}

// Delete buffers an exact-key delete.
func (t *Tx) Delete(key kv.Key) error {
	return t.buffer(key, kv.Mutation{Type: kv.MutationDelete, Key: key},
		kv.Entry{Key: key})
}

// Sum buffers a wrapping 64-bit add against the stored number.
func (t *Tx) Sum(key kv.Key, operand *big.Int) error {
	if t.closed {
		return kv.ErrTxClosed
	}
	t.mutations = append(t.mutations, kv.Mutation{Type: kv.MutationSum, Key: key, Value: operand})
	return nil
}

func (t *Tx) buffer(key kv.Key, m kv.Mutation, overlay kv.Entry) error {
	if t.closed {
		return kv.ErrTxClosed
	}
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return err
	}
	t.mutations = append(t.mutations, m)
	t.writes[string(enc)] = overlay
	return nil
}

// Commit checks every cached read against its observed versionstamp and
// applies the buffered mutations atomically. A read-set conflict returns
// {OK:false} with no error and no side effects. The transaction is
// closed either way.
func (t *Tx) Commit(ctx context.Context) (kv.CommitResult, error) {
	if t.closed {
		return kv.CommitResult{}, kv.ErrTxClosed
	}
	t.closed = true

	op := &kv.AtomicOp{}
	for _, enc := range t.readOrder {
		entry := t.reads[enc]
		op.Checks = append(op.Checks, kv.Check{Key: entry.Key, Versionstamp: entry.Versionstamp})
	}
	op.Mutations = t.mutations
	return t.store.CommitAtomic(ctx, op)
}

// Run executes fn inside a transaction and commits, re-executing on
// read-set conflict with exponential backoff plus jitter. An error from
// fn aborts immediately without applying writes and without retrying.
func Run(ctx context.Context, store Store, opts Options, fn func(tx *Tx) (any, error)) (Result, error) {
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}

	var res Result
	attempt := func() error {
		tx := NewTx(store)
		value, err := fn(tx)
		if err != nil {
			tx.closed = true
			return backoff.Permanent(err)
		}
		commit, err := tx.Commit(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !commit.OK {
			return kv.ErrConflict
		}
		res = Result{OK: true, Versionstamp: commit.Versionstamp, Value: value}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	err := backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx))
	if err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return Result{}, fmt.Errorf("transaction retries exhausted: %w", kv.ErrConflict)
		}
		return Result{}, err
	}
	return res, nil
}
