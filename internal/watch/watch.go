// Package watch emits change notifications for key sets and prefixes by
// polling the storage backend and diffing versionstamps.
package watch

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
)

// Store is the backend surface the pollers need.
type Store interface {
	GetMany(ctx context.Context, keys []kv.Key) ([]kv.Entry, error)
	List(ctx context.Context, prefix kv.Key, opts kv.ListOptions, where filter.Filter) ([]kv.Entry, error)
}

// DefaultInterval is the poll period.
const DefaultInterval = 100 * time.Millisecond

// Options tunes a watch stream.
type Options struct {
	// Interval between polls. Zero selects DefaultInterval.
	Interval time.Duration
	// EmitInitial sends the current state as a first batch on connect.
	EmitInitial bool
	// Limit caps prefix snapshots (prefix watches only). Zero selects
	// the storage default.
	Limit int
}

// Change is one key transition. A deletion carries a nil Value and an
// empty Versionstamp.
type Change struct {
	Key          kv.Key `json:"key"`
	Value        any    `json:"value,omitempty"`
	Versionstamp string `json:"versionstamp,omitempty"`
}

// Stamps maps hex-encoded key encodings to the versionstamp last seen
// for that key. It is the client-resumable watch position.
type Stamps map[string]string

// Set records the versionstamp last seen for key.
func (s Stamps) Set(key kv.Key, stamp string) error {
	sk, err := stampKey(key)
	if err != nil {
		return err
	}
	s[sk] = stamp
	return nil
}

func stampKey(key kv.Key) (string, error) {
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(enc), nil
}

func stampKeyToKey(sk string) (kv.Key, error) {
	enc, err := hex.DecodeString(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: bad watch position key: %v", kv.ErrInvalidArgument, err)
	}
	return keycodec.DecodeKey(enc)
}

// DiffKeys fetches the given keys and returns the changes relative to
// prior, plus the new watch position. Unchanged stamps produce no
// change; a key that was present in prior but is gone now reports a
// deletion. A nil prior reports every live key.
func DiffKeys(ctx context.Context, store Store, keys []kv.Key, prior Stamps) ([]Change, Stamps, error) {
	entries, err := store.GetMany(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	next := make(Stamps, len(entries))
	var changes []Change
	for i, entry := range entries {
		sk, err := stampKey(keys[i])
		if err != nil {
			return nil, nil, err
		}
		if entry.Exists() {
			next[sk] = entry.Versionstamp
		}
		if prior[sk] == entry.Versionstamp {
			continue
		}
		switch {
		case entry.Exists():
			changes = append(changes, Change{Key: keys[i], Value: entry.Value, Versionstamp: entry.Versionstamp})
		default:
			if _, had := prior[sk]; had {
				changes = append(changes, Change{Key: keys[i]})
			}
		}
	}
	return changes, next, nil
}

// DiffPrefix lists the prefix and returns changes relative to prior,
// including deletions for keys present in prior but absent from the
// snapshot. A nil prior reports every live key.
func DiffPrefix(ctx context.Context, store Store, prefix kv.Key, limit int, prior Stamps) ([]Change, Stamps, error) {
	entries, err := store.List(ctx, prefix, kv.ListOptions{Limit: limit}, nil)
	if err != nil {
		return nil, nil, err
	}
	next := make(Stamps, len(entries))
	var changes []Change
	for _, entry := range entries {
		sk, err := stampKey(entry.Key)
		if err != nil {
			return nil, nil, err
		}
		next[sk] = entry.Versionstamp
		if prior[sk] != entry.Versionstamp {
			changes = append(changes, Change{Key: entry.Key, Value: entry.Value, Versionstamp: entry.Versionstamp})
		}
	}
	for sk := range prior {
		if _, still := next[sk]; still {
			continue
		}
		key, err := stampKeyToKey(sk)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, Change{Key: key})
	}
	return changes, next, nil
}

// Keys streams change batches for a fixed key set until ctx is
// cancelled. The channel closes on cancellation or storage error; the
// error is logged.
func Keys(ctx context.Context, store Store, keys []kv.Key, opts Options) <-chan []Change {
	return stream(ctx, opts, func(prior Stamps) ([]Change, Stamps, error) {
		return DiffKeys(ctx, store, keys, prior)
	})
}

// Prefix streams change batches for all keys below prefix until ctx is
// cancelled, reporting deletions for keys that drop out of the snapshot.
func Prefix(ctx context.Context, store Store, prefix kv.Key, opts Options) <-chan []Change {
	return stream(ctx, opts, func(prior Stamps) ([]Change, Stamps, error) {
		return DiffPrefix(ctx, store, prefix, opts.Limit, prior)
	})
}

func stream(ctx context.Context, opts Options, diff func(Stamps) ([]Change, Stamps, error)) <-chan []Change {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	out := make(chan []Change)
	go func() {
		defer close(out)

		emit := func(changes []Change) bool {
			if len(changes) == 0 {
				return true
			}
			select {
			case out <- changes:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Connect poll: seed the position, emitting the current state
		// only when asked.
		changes, prior, err := diff(nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("watch: poll failed: %v", err)
			}
			return
		}
		if opts.EmitInitial && !emit(changes) {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changes, next, err := diff(prior)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("watch: poll failed: %v", err)
					}
					return
				}
				if !emit(changes) {
					return
				}
				prior = next
			}
		}
	}()
	return out
}
