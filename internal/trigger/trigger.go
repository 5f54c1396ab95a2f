// Package trigger fans out committed mutation events to in-process
// subscribers.
package trigger

import (
	"bytes"
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/weftdb/weft/internal/keycodec"
	"github.com/weftdb/weft/internal/kv"
)

// Handler receives one committed event. A failing handler is logged and
// counted but never blocks other handlers or the committing caller.
type Handler func(ctx context.Context, event kv.Event) error

// Handle identifies one registration for later removal.
type Handle uint64

type registration struct {
	handle    Handle
	encPrefix []byte
	kinds     map[kv.EventKind]bool
	handler   Handler
}

// Dispatcher routes events to registered handlers whose prefix contains
// the event key and whose kind set contains the event kind. It satisfies
// storage.Notifier.
type Dispatcher struct {
	mu      sync.RWMutex
	regs    []registration
	nextID  atomic.Uint64
	errored atomic.Int64
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Register subscribes handler to events of the given kinds under prefix.
// An empty kinds slice subscribes to every kind. The returned handle
// removes the subscription via Unregister.
func (d *Dispatcher) Register(prefix kv.Key, kinds []kv.EventKind, handler Handler) (Handle, error) {
	encPrefix, err := keycodec.EncodeKey(prefix)
	if err != nil {
		return 0, err
	}
	kindSet := make(map[kv.EventKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	h := Handle(d.nextID.Add(1))
	d.mu.Lock()
	d.regs = append(d.regs, registration{
		handle:    h,
		encPrefix: encPrefix,
		kinds:     kindSet,
		handler:   handler,
	})
	d.mu.Unlock()
	return h, nil
}

// Unregister removes a subscription. Unknown handles are ignored.
func (d *Dispatcher) Unregister(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.regs {
		if reg.handle == h {
			d.regs = append(d.regs[:i], d.regs[i+1:]...)
			return
		}
	}
}

// Dispatch invokes matching handlers for each event, sequentially in
// registration order. Called by the storage backend after a durable
// commit; runs on the caller's context.
func (d *Dispatcher) Dispatch(ctx context.Context, events []kv.Event) {
	if len(events) == 0 {
		return
	}
	d.mu.RLock()
	regs := make([]registration, len(d.regs))
	copy(regs, d.regs)
	d.mu.RUnlock()

	for _, event := range events {
		encKey, err := keycodec.EncodeKey(event.Key)
		if err != nil {
			log.Printf("trigger: unencodable event key: %v", err)
			continue
		}
		for _, reg := range regs {
			if len(reg.kinds) > 0 && !reg.kinds[event.Kind] {
				continue
			}
			if !bytes.HasPrefix(encKey, reg.encPrefix) {
				continue
			}
			if err := reg.handler(ctx, event); err != nil {
				d.errored.Add(1)
				log.Printf("trigger: handler error for %s %v: %v", event.Kind, event.Key, err)
			}
		}
	}
}

// HandlerErrors returns the number of handler failures since creation.
func (d *Dispatcher) HandlerErrors() int64 {
	return d.errored.Load()
}

// Len returns the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regs)
}
