// Package queue runs worker pools over the durable message queue.
package queue

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftdb/weft/internal/storage"
)

// Store is the backend surface a listener needs.
type Store interface {
	Dequeue(ctx context.Context) (*storage.QueueMessage, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string) error
}

// Handler processes one dequeued message. A nil return acks the
// message; an error nacks it into the retry schedule.
type Handler func(ctx context.Context, msg storage.QueueMessage) error

// Listener defaults.
const (
	DefaultConcurrency  = 1
	DefaultPollInterval = time.Second
)

// ListenOptions tunes a listener pool.
type ListenOptions struct {
	// Concurrency is the number of workers. Zero selects
	// DefaultConcurrency.
	Concurrency int
	// PollInterval is the idle sleep between empty dequeues. Zero
	// selects DefaultPollInterval.
	PollInterval time.Duration
	// OnError observes handler failures after the message is nacked.
	// Optional.
	OnError func(msg storage.QueueMessage, err error)
}

// Listener is a running worker pool. Stop it with Stop; it also winds
// down when the context passed to Listen is cancelled.
type Listener struct {
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopped  atomic.Bool
	handled  atomic.Int64
	failures atomic.Int64
}

// Listen starts opts.Concurrency workers that each dequeue, run handler,
// and ack or nack. Workers idle on PollInterval when the queue is empty.
func Listen(ctx context.Context, store Store, handler Handler, opts ListenOptions) *Listener {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// loopCtx gates dequeues; handlers and acks run on the caller's
	// context so Stop drains in-flight work instead of cancelling it.
	loopCtx, cancel := context.WithCancel(ctx)
	l := &Listener{cancel: cancel}
	g, loopCtx := errgroup.WithContext(loopCtx)
	l.group = g

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			l.worker(loopCtx, ctx, store, handler, interval, opts.OnError)
			return nil
		})
	}
	return l
}

func (l *Listener) worker(loopCtx, workCtx context.Context, store Store, handler Handler, interval time.Duration, onError func(storage.QueueMessage, error)) {
	for {
		if loopCtx.Err() != nil {
			return
		}
		msg, err := store.Dequeue(loopCtx)
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			log.Printf("queue: dequeue failed: %v", err)
			if !sleep(loopCtx, interval) {
				return
			}
			continue
		}
		if msg == nil {
			if !sleep(loopCtx, interval) {
				return
			}
			continue
		}

		l.handled.Add(1)
		if err := handler(workCtx, *msg); err != nil {
			l.failures.Add(1)
			if nackErr := store.Nack(workCtx, msg.ID); nackErr != nil {
				log.Printf("queue: nack %s failed: %v", msg.ID, nackErr)
			}
			if onError != nil {
				onError(*msg, err)
			} else {
				log.Printf("queue: handler failed for %s: %v", msg.ID, err)
			}
			continue
		}
		if err := store.Ack(workCtx, msg.ID); err != nil {
			log.Printf("queue: ack %s failed: %v", msg.ID, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop refuses new dequeues, waits for in-flight handlers to finish,
// and returns. Safe to call more than once.
func (l *Listener) Stop() {
	if l.stopped.Swap(true) {
		return
	}
	l.cancel()
	_ = l.group.Wait()
}

// Handled returns the number of messages delivered to the handler.
func (l *Listener) Handled() int64 { return l.handled.Load() }

// Failures returns the number of handler errors.
func (l *Listener) Failures() int64 { return l.failures.Load() }
