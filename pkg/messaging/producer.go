package messaging

import (
	"context"
	"fmt"
)

// Outgoing is a fully encoded message ready to be stored in an outbox or published.
type Outgoing struct {
	Operation     string
	Type          string
	CorrelationID string
	Exchange      string
	RoutingKey    string
	Body          []byte
}

// Message converts o into a broker message tagged with id for deduplication.
func (o Outgoing) Message(id string) Message {
	m := Message{Exchange: o.Exchange, RoutingKey: o.RoutingKey, Body: o.Body}
	if id != "" {
		m.Headers = map[string]string{HeaderMessageID: id}
	}
	return m
}

// Producer resolves operations through the topology and encodes payloads.
// It never talks to the broker: callers persist Outgoing in the outbox
// inside their transaction and the relay publishes after commit.
type Producer struct {
	codec    *Codec
	topology *Topology
}

// NewProducer builds a producer.
func NewProducer(codec *Codec, topology *Topology) *Producer {
	return &Producer{codec: codec, topology: topology}
}

// Prepare encodes payload as msgType for operation, carrying ctx's correlation id.
func (p *Producer) Prepare(ctx context.Context, operation, msgType string, payload interface{}) (Outgoing, error) {
	route, err := p.topology.Route(operation)
	if err != nil {
		return Outgoing{}, err
	}
	_, correlationID := EnsureCorrelationID(ctx)
	body, err := p.codec.Encode(msgType, correlationID, payload)
	if err != nil {
		return Outgoing{}, fmt.Errorf("prepare %s: %w", operation, err)
	}
	return Outgoing{
		Operation:     operation,
		Type:          msgType,
		CorrelationID: correlationID,
		Exchange:      route.Exchange,
		RoutingKey:    route.RoutingKey,
		Body:          body,
	}, nil
}
