// internal/infra/memory/broker.go
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"threat-api/internal/domain"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRedeliveryDelay is how long a message whose handler failed
	// waits before it is offered again.
	DefaultRedeliveryDelay = 100 * time.Millisecond
	// DefaultConcurrency is how many handlers one consumer runs at once.
	DefaultConcurrency = 16
)

// queue is an unbounded FIFO shared by the consumers of one group.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// wake the next waiting consumer
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Broker is an in-process dispatch and return channel with the same
// delivery contract as the Redis streams: every dispatch group sees every
// dispatch, consumers within a group share the load, and a message whose
// handler fails is delivered again. Each consumer handles up to its
// concurrency limit of messages at once, so one slow message never holds up
// the rest of its group.
type Broker struct {
	mu              sync.Mutex
	groups          map[string]*queue[*domain.Dispatch]
	results         *queue[*domain.PartialResult]
	redeliveryDelay time.Duration
	concurrency     int64
	logger          *slog.Logger
}

// NewBroker creates a broker. Groups named here buffer dispatches published
// before their first consumer subscribes; other groups only see dispatches
// published after they subscribe.
func NewBroker(logger *slog.Logger, groups ...string) *Broker {
	b := &Broker{
		groups:          make(map[string]*queue[*domain.Dispatch]),
		results:         newQueue[*domain.PartialResult](),
		redeliveryDelay: DefaultRedeliveryDelay,
		concurrency:     DefaultConcurrency,
		logger:          logger.With("component", "memory-broker"),
	}
	for _, g := range groups {
		b.groups[g] = newQueue[*domain.Dispatch]()
	}
	return b
}

// WithConcurrency sets how many messages one consumer handles at once.
// Values below one are ignored. It must be called before consuming.
func (b *Broker) WithConcurrency(n int) *Broker {
	if n > 0 {
		b.concurrency = int64(n)
	}
	return b
}

func (b *Broker) group(name string) *queue[*domain.Dispatch] {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.groups[name]
	if !ok {
		q = newQueue[*domain.Dispatch]()
		b.groups[name] = q
	}
	return q
}

func (b *Broker) PublishDispatch(ctx context.Context, d *domain.Dispatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.groups {
		q.push(d)
	}
	return nil
}

func (b *Broker) ConsumeDispatches(ctx context.Context, group, consumer string, h domain.DispatchHandler) error {
	q := b.group(group)
	logger := b.logger.With("group", group, "consumer", consumer)
	return consume(ctx, b, q, func(ctx context.Context, d *domain.Dispatch) {
		if err := h(ctx, d); err != nil {
			logger.Warn("dispatch handler failed, scheduling redelivery", "job_id", d.JobID, "error", err)
			b.redeliver(ctx, func() { q.push(d) })
		}
	})
}

func (b *Broker) PublishResult(ctx context.Context, r *domain.PartialResult) error {
	b.results.push(r)
	return nil
}

func (b *Broker) ConsumeResults(ctx context.Context, consumer string, h domain.ResultHandler) error {
	logger := b.logger.With("consumer", consumer)
	return consume(ctx, b, b.results, func(ctx context.Context, r *domain.PartialResult) {
		if err := h(ctx, r); err != nil {
			logger.Warn("result handler failed, scheduling redelivery", "job_id", r.JobID, "module", r.ModuleName, "error", err)
			b.redeliver(ctx, func() { b.results.push(r) })
		}
	})
}

// consume pops from q only while a handler slot is free, so messages this
// consumer cannot start yet stay available to the rest of its group. It
// waits for in-flight handlers before returning.
func consume[T any](ctx context.Context, b *Broker, q *queue[T], handle func(context.Context, T)) error {
	sem := semaphore.NewWeighted(b.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		item, err := q.pop(ctx)
		if err != nil {
			sem.Release(1)
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			handle(ctx, item)
		}()
	}
}

// Pending reports how many dispatches are waiting in a group.
func (b *Broker) Pending(group string) int {
	return b.group(group).len()
}

func (b *Broker) redeliver(ctx context.Context, push func()) {
	time.AfterFunc(b.redeliveryDelay, func() {
		if ctx.Err() == nil {
			push()
		}
	})
}
