package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryBroker is an in-process broker backed by goroutine workers. It keeps
// at-least-once semantics (Nak requeues after a delay) and is used by tests
// and single-process development.
type MemoryBroker struct {
	bufferSize int
	logger     *zap.Logger
	done       chan struct{}

	mu       sync.RWMutex
	topology *Topology
	queues   map[string]*memoryQueue
	closed   bool
}

type memoryQueue struct {
	name  string
	items chan *memoryDelivery
}

var errMemoryBrokerClosed = errors.New("memory broker closed")

// NewMemoryBroker builds a broker; bufferSize bounds each queue.
func NewMemoryBroker(bufferSize int, logger *zap.Logger) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBroker{
		bufferSize: bufferSize,
		logger:     logger,
		done:       make(chan struct{}),
		queues:     make(map[string]*memoryQueue),
	}
}

// Declare creates one channel per queue in topology.
func (b *MemoryBroker) Declare(_ context.Context, topology *Topology) error {
	if topology == nil {
		return errors.New("memory broker: nil topology")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topology = topology
	for _, q := range topology.Queues() {
		if _, ok := b.queues[q]; !ok {
			b.queues[q] = &memoryQueue{name: q, items: make(chan *memoryDelivery, b.bufferSize)}
		}
	}
	return nil
}

// Publish fans msg out to every bound queue, or to msg.Queue alone when set.
// Unbound messages are dropped. A full queue blocks until a worker drains it,
// ctx ends or the broker is closed.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	targets, err := b.targets(msg)
	if err != nil {
		return err
	}
	for _, q := range targets {
		d := &memoryDelivery{
			broker:     b,
			queue:      q,
			body:       append([]byte(nil), msg.Body...),
			headers:    copyHeaders(msg.Headers),
			exchange:   msg.Exchange,
			routingKey: msg.RoutingKey,
			attempt:    1,
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", q.name, ctx.Err())
		case <-b.done:
			return errMemoryBrokerClosed
		case q.items <- d:
		}
	}
	return nil
}

func (b *MemoryBroker) targets(msg Message) ([]*memoryQueue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errMemoryBrokerClosed
	}
	if b.topology == nil {
		return nil, errors.New("memory broker: topology not declared")
	}
	if msg.Queue != "" {
		if !b.topology.Receives(msg.Exchange, msg.RoutingKey, msg.Queue) {
			return nil, fmt.Errorf("memory broker: queue %s is not bound to %s/%s", msg.Queue, msg.Exchange, msg.RoutingKey)
		}
		return []*memoryQueue{b.queues[msg.Queue]}, nil
	}
	names := b.topology.QueuesFor(msg.Exchange, msg.RoutingKey)
	out := make([]*memoryQueue, 0, len(names))
	for _, name := range names {
		out = append(out, b.queues[name])
	}
	return out, nil
}

// Subscribe starts opts.Concurrency workers draining queue until ctx ends or Stop is called.
func (b *MemoryBroker) Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler DeliveryHandler) (Subscription, error) {
	b.mu.RLock()
	q, ok := b.queues[queue]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory broker: queue %s not declared", queue)
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{cancel: cancel}
	for i := 0; i < workers; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				select {
				case <-subCtx.Done():
					return
				case d := <-q.items:
					handler(subCtx, d)
				}
			}
		}()
	}
	b.logger.Sugar().Infow("memory subscription started", "queue", queue, "workers", workers)
	return sub, nil
}

// Close rejects further publishes and releases publishers blocked on a full queue.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (b *MemoryBroker) pending(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

func (b *MemoryBroker) requeue(d *memoryDelivery, delay time.Duration) {
	next := &memoryDelivery{
		broker:     b,
		queue:      d.queue,
		body:       d.body,
		headers:    d.headers,
		exchange:   d.exchange,
		routingKey: d.routingKey,
		attempt:    d.attempt + 1,
	}
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-b.done:
				return
			}
		}
		select {
		case d.queue.items <- next:
		case <-b.done:
		}
	}()
}

type memorySubscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *memorySubscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

type memoryDelivery struct {
	broker     *MemoryBroker
	queue      *memoryQueue
	body       []byte
	headers    map[string]string
	exchange   string
	routingKey string
	attempt    int

	mu      sync.Mutex
	settled bool
}

func (d *memoryDelivery) Body() []byte               { return d.body }
func (d *memoryDelivery) Headers() map[string]string { return copyHeaders(d.headers) }
func (d *memoryDelivery) Exchange() string           { return d.exchange }
func (d *memoryDelivery) RoutingKey() string         { return d.routingKey }
func (d *memoryDelivery) Attempt() int               { return d.attempt }

func (d *memoryDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return errors.New("delivery already settled")
	}
	d.settled = true
	return nil
}

func (d *memoryDelivery) Ack() error { return d.settle() }

func (d *memoryDelivery) Term() error { return d.settle() }

func (d *memoryDelivery) Nak(delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.broker.requeue(d, delay)
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
