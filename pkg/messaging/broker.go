package messaging

import (
	"context"
	"time"
)

// Header keys set on dead-lettered and outbox-relayed messages.
const (
	HeaderMessageID          = "x-message-id"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderQueue              = "x-queue"
	HeaderError              = "x-error"
	HeaderAttempts           = "x-attempts"
	HeaderDeadLetteredAt     = "x-dead-lettered-at"
)

// Message is an outbound message addressed by exchange and routing key.
// When Queue is set only that queue receives it; it must be bound to the
// exchange and routing key.
type Message struct {
	Exchange   string
	RoutingKey string
	Queue      string
	Body       []byte
	Headers    map[string]string
}

// Publisher sends messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one delivery attempt of a message on a queue.
type Delivery interface {
	Body() []byte
	Headers() map[string]string
	Exchange() string
	RoutingKey() string
	// Attempt is 1 on first delivery and grows with every redelivery.
	Attempt() int
	Ack() error
	Nak(delay time.Duration) error
	// Term stops redelivery without processing.
	Term() error
}

// DeliveryHandler processes a raw delivery and settles it.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Subscription stops a running Subscribe call.
type Subscription interface {
	Stop()
}

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	Concurrency int
}

// Broker is the transport used by producers and consumers.
type Broker interface {
	Publisher
	// Declare creates the exchanges, queues and bindings described by topology.
	Declare(ctx context.Context, topology *Topology) error
	Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler DeliveryHandler) (Subscription, error)
	Close() error
}
