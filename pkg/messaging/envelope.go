package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrUnknownType is returned when a message type has no registered payload.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformedPayload is returned when a payload does not match its registered shape.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrPoison marks a message that can never be handled and must be dead-lettered.
	ErrPoison = errors.New("poison message")
)

// PoisonError wraps the reason a message was classified as poison.
type PoisonError struct {
	Err error
}

func (e *PoisonError) Error() string { return fmt.Sprintf("poison message: %v", e.Err) }

func (e *PoisonError) Unwrap() []error { return []error{ErrPoison, e.Err} }

// Poison wraps err so the consumer runner dead-letters the delivery immediately.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return &PoisonError{Err: err}
}

// IsPoison reports whether err classifies a delivery as poison.
func IsPoison(err error) bool {
	return errors.Is(err, ErrPoison)
}

// Envelope is a decoded message.
type Envelope struct {
	Type          string
	CorrelationID string
	Payload       interface{}
	Raw           []byte
}

type wireEnvelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// Codec encodes and decodes envelopes for a fixed set of registered message types.
type Codec struct {
	mu       sync.RWMutex
	types    map[string]reflect.Type
	validate *validator.Validate
}

// NewCodec builds an empty codec. A nil validator uses validator.New().
func NewCodec(validate *validator.Validate) *Codec {
	if validate == nil {
		validate = validator.New()
	}
	return &Codec{types: make(map[string]reflect.Type), validate: validate}
}

// Register associates a type tag with the Go struct used for its payload.
func (c *Codec) Register(msgType string, prototype interface{}) {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if msgType == "" || t == nil || t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("messaging: invalid registration for %q", msgType))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.types[msgType]; ok && existing != t {
		panic(fmt.Sprintf("messaging: %q already registered as %s", msgType, existing))
	}
	c.types[msgType] = t
}

// Types lists the registered type tags.
func (c *Codec) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Codec) lookup(msgType string) (reflect.Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[msgType]
	return t, ok
}

// Encode serialises payload. Unknown types, mismatched payloads and payloads
// failing validation are rejected so nothing malformed ever reaches the broker.
func (c *Codec) Encode(msgType, correlationID string, payload interface{}) ([]byte, error) {
	t, ok := c.lookup(msgType)
	if !ok {
		return nil, fmt.Errorf("encode %q: %w", msgType, ErrUnknownType)
	}
	value := reflect.ValueOf(payload)
	for value.IsValid() && value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return nil, fmt.Errorf("encode %q: nil payload: %w", msgType, ErrMalformedPayload)
		}
		value = value.Elem()
	}
	if !value.IsValid() || value.Type() != t {
		return nil, fmt.Errorf("encode %q: payload must be %s: %w", msgType, t, ErrMalformedPayload)
	}
	if err := c.validate.Struct(value.Interface()); err != nil {
		return nil, fmt.Errorf("encode %q: %v: %w", msgType, err, ErrMalformedPayload)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body, err := json.Marshal(value.Interface())
	if err != nil {
		return nil, fmt.Errorf("encode %q: %v: %w", msgType, err, ErrMalformedPayload)
	}
	return json.Marshal(wireEnvelope{Type: msgType, CorrelationID: correlationID, Payload: body})
}

// Decode parses data. Every failure is a poison error.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, Poison(fmt.Errorf("decode envelope: %w", err))
	}
	if wire.Type == "" {
		return Envelope{}, Poison(errors.New("decode envelope: missing type"))
	}
	t, ok := c.lookup(wire.Type)
	if !ok {
		return Envelope{}, Poison(fmt.Errorf("decode %q: %w", wire.Type, ErrUnknownType))
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return Envelope{}, Poison(fmt.Errorf("decode %q: missing payload: %w", wire.Type, ErrMalformedPayload))
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(wire.Payload, ptr.Interface()); err != nil {
		return Envelope{}, Poison(fmt.Errorf("decode %q: %v: %w", wire.Type, err, ErrMalformedPayload))
	}
	if err := c.validate.Struct(ptr.Interface()); err != nil {
		return Envelope{}, Poison(fmt.Errorf("decode %q: %v: %w", wire.Type, err, ErrMalformedPayload))
	}
	return Envelope{
		Type:          wire.Type,
		CorrelationID: wire.CorrelationID,
		Payload:       ptr.Elem().Interface(),
		Raw:           data,
	}, nil
}
