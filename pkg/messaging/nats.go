package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSBroker maps the topology onto JetStream: one stream per exchange, one
// subject per routing key, one durable consumer per (queue, stream) pair.
type NATSBroker struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	logger  *zap.Logger
	ackWait time.Duration

	mu       sync.RWMutex
	topology *Topology
}

// NATSOptions configures the connection.
type NATSOptions struct {
	URL        string
	ClientName string
	// AckWait must exceed the consumer handler timeout.
	AckWait time.Duration
	Logger  *zap.Logger
}

// DialNATS connects to NATS and opens a JetStream context.
func DialNATS(opts NATSOptions) (*NATSBroker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	ackWait := opts.AckWait
	if ackWait <= 0 {
		ackWait = time.Minute
	}
	return &NATSBroker{conn: conn, js: js, logger: logger, ackWait: ackWait}, nil
}

// Declare creates or updates streams and durable consumers.
func (b *NATSBroker) Declare(ctx context.Context, topology *Topology) error {
	if topology == nil {
		return errors.New("nats broker: nil topology")
	}
	for _, exchange := range topology.Exchanges() {
		cfg := jetstream.StreamConfig{
			Name:      StreamName(exchange),
			Subjects:  []string{Subject(exchange, ">")},
			Retention: jetstream.InterestPolicy,
			Storage:   jetstream.FileStorage,
		}
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("declare stream %s: %w", cfg.Name, err)
		}
	}
	for _, queue := range topology.Queues() {
		for stream, subjects := range consumerSubjects(queue, topology.QueueBindings(queue)) {
			cfg := jetstream.ConsumerConfig{
				Durable:   DurableName(queue),
				AckPolicy: jetstream.AckExplicitPolicy,
				AckWait:   b.ackWait,
				// Redelivery limits are enforced by the consumer runner.
				MaxDeliver: -1,
			}
			if len(subjects) == 1 {
				cfg.FilterSubject = subjects[0]
			} else {
				cfg.FilterSubjects = subjects
			}
			if _, err := b.js.CreateOrUpdateConsumer(ctx, stream, cfg); err != nil {
				return fmt.Errorf("declare consumer %s on %s: %w", cfg.Durable, stream, err)
			}
		}
	}
	b.mu.Lock()
	b.topology = topology
	b.mu.Unlock()
	return nil
}

// consumerSubjects groups the filter subjects of queue by stream. Each stream
// also gets the subject addressing queue alone unless a wildcard binding
// already covers it.
func consumerSubjects(queue string, bindings []Binding) map[string][]string {
	out := make(map[string][]string)
	covered := make(map[string]bool)
	target := QueueRoutingKey(queue)
	for _, b := range bindings {
		stream := StreamName(b.Exchange)
		out[stream] = append(out[stream], Subject(b.Exchange, b.RoutingKey))
		if _, ok := covered[b.Exchange]; !ok {
			covered[b.Exchange] = false
		}
		if MatchRoutingKey(b.RoutingKey, target) {
			covered[b.Exchange] = true
		}
	}
	for exchange, ok := range covered {
		if !ok {
			stream := StreamName(exchange)
			out[stream] = append(out[stream], Subject(exchange, target))
		}
	}
	return out
}

// Publish sends msg and waits for the stream acknowledgement.
func (b *NATSBroker) Publish(ctx context.Context, msg Message) error {
	out := &nats.Msg{
		Subject: Subject(msg.Exchange, msg.RoutingKey),
		Data:    msg.Body,
		Header:  nats.Header{},
	}
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	if msg.Queue != "" {
		b.mu.RLock()
		topology := b.topology
		b.mu.RUnlock()
		if topology != nil && !topology.Receives(msg.Exchange, msg.RoutingKey, msg.Queue) {
			return fmt.Errorf("nats broker: queue %s is not bound to %s/%s", msg.Queue, msg.Exchange, msg.RoutingKey)
		}
		out.Subject = Subject(msg.Exchange, QueueRoutingKey(msg.Queue))
		out.Header.Set(HeaderOriginalRoutingKey, msg.RoutingKey)
	}
	if id := msg.Headers[HeaderMessageID]; id != "" {
		out.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := b.js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("publish %s: %w", out.Subject, err)
	}
	return nil
}

// Subscribe consumes queue from every stream it is bound to.
func (b *NATSBroker) Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler DeliveryHandler) (Subscription, error) {
	b.mu.RLock()
	topology := b.topology
	b.mu.RUnlock()
	if topology == nil {
		return nil, errors.New("nats broker: topology not declared")
	}
	bindings := topology.QueueBindings(queue)
	if len(bindings) == 0 {
		return nil, fmt.Errorf("nats broker: queue %s not declared", queue)
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &natsSubscription{cancel: cancel, work: make(chan jetstream.Msg, workers)}
	for stream := range consumerSubjects(queue, bindings) {
		consumer, err := b.js.Consumer(ctx, stream, DurableName(queue))
		if err != nil {
			sub.Stop()
			return nil, fmt.Errorf("lookup consumer %s on %s: %w", queue, stream, err)
		}
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			select {
			case sub.work <- msg:
			case <-subCtx.Done():
			}
		}, jetstream.PullMaxMessages(workers))
		if err != nil {
			sub.Stop()
			return nil, fmt.Errorf("consume %s on %s: %w", queue, stream, err)
		}
		sub.contexts = append(sub.contexts, cc)
	}

	for i := 0; i < workers; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				select {
				case <-subCtx.Done():
					return
				case msg := <-sub.work:
					handler(subCtx, &natsDelivery{msg: msg})
				}
			}
		}()
	}
	b.logger.Info("nats subscription started", zap.String("queue", queue), zap.Int("workers", workers))
	return sub, nil
}

// Close drains the connection.
func (b *NATSBroker) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}

type natsSubscription struct {
	cancel   context.CancelFunc
	contexts []jetstream.ConsumeContext
	work     chan jetstream.Msg
	wg       sync.WaitGroup
	once     sync.Once
}

func (s *natsSubscription) Stop() {
	s.once.Do(func() {
		for _, cc := range s.contexts {
			cc.Stop()
		}
		s.cancel()
		s.wg.Wait()
	})
}

type natsDelivery struct {
	msg jetstream.Msg
}

func (d *natsDelivery) Body() []byte { return d.msg.Data() }

func (d *natsDelivery) Headers() map[string]string {
	out := make(map[string]string, len(d.msg.Headers()))
	for k := range d.msg.Headers() {
		out[k] = d.msg.Headers().Get(k)
	}
	return out
}

func (d *natsDelivery) Exchange() string {
	return exchangeFromSubject(d.msg.Subject(), d.streamName())
}

func (d *natsDelivery) RoutingKey() string {
	return routingKeyFromSubject(d.msg.Subject(), d.Exchange(), d.msg.Headers().Get(HeaderOriginalRoutingKey))
}

// routingKeyFromSubject strips the exchange prefix. Queue-addressed subjects
// report the routing key the message was originally published with.
func routingKeyFromSubject(subject, exchange, original string) string {
	if exchange == "" || len(subject) <= len(exchange)+1 {
		return ""
	}
	key := subject[len(exchange)+1:]
	if strings.HasPrefix(key, "_queue.") && original != "" {
		return original
	}
	return key
}

func (d *natsDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta == nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *natsDelivery) Ack() error                    { return d.msg.Ack() }
func (d *natsDelivery) Nak(delay time.Duration) error { return d.msg.NakWithDelay(delay) }
func (d *natsDelivery) Term() error                   { return d.msg.Term() }

func (d *natsDelivery) streamName() string {
	meta, err := d.msg.Metadata()
	if err != nil || meta == nil {
		return ""
	}
	return meta.Stream
}

// exchangeFromSubject recovers the exchange prefix of subject for a stream
// whose name was derived with StreamName.
func exchangeFromSubject(subject, stream string) string {
	for i := 0; i < len(subject); i++ {
		if subject[i] != '.' {
			continue
		}
		if StreamName(subject[:i]) == stream {
			return subject[:i]
		}
	}
	return ""
}
