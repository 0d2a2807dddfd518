package messaging

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownOperation is returned when a producer asks for an unmapped operation.
var ErrUnknownOperation = errors.New("unknown operation")

// Binding connects a logical operation to an exchange, routing key and queue.
// DeadLetterExchange is empty only for the queue archiving dead letters.
type Binding struct {
	Operation          string `yaml:"operation" json:"operation"`
	Exchange           string `yaml:"exchange" json:"exchange"`
	RoutingKey         string `yaml:"routingKey" json:"routingKey"`
	Queue              string `yaml:"queue" json:"queue"`
	DeadLetterExchange string `yaml:"deadLetterExchange,omitempty" json:"deadLetterExchange,omitempty"`
}

// Route is what a producer needs to publish an operation.
type Route struct {
	Exchange   string
	RoutingKey string
}

// Topology is an immutable table of bindings. Build it with NewTopology.
type Topology struct {
	bindings []Binding
	routes   map[string]Route
	queues   map[string][]Binding
}

type topologyFile struct {
	Bindings []Binding `yaml:"bindings"`
}

// NewTopology validates bindings and freezes them.
func NewTopology(bindings []Binding) (*Topology, error) {
	if len(bindings) == 0 {
		return nil, errors.New("topology: no bindings")
	}
	t := &Topology{
		bindings: make([]Binding, len(bindings)),
		routes:   make(map[string]Route),
		queues:   make(map[string][]Binding),
	}
	copy(t.bindings, bindings)

	exchanges := make(map[string]struct{})
	seen := make(map[string]struct{})
	for i, b := range t.bindings {
		if b.Operation == "" || b.Exchange == "" || b.RoutingKey == "" || b.Queue == "" {
			return nil, fmt.Errorf("topology: binding %d has empty fields", i)
		}
		if strings.HasPrefix(b.RoutingKey, "_queue.") {
			return nil, fmt.Errorf("topology: routing key %q uses the reserved _queue prefix", b.RoutingKey)
		}
		key := b.Queue + "|" + b.Exchange + "|" + b.RoutingKey
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("topology: duplicate binding %s/%s -> %s", b.Exchange, b.RoutingKey, b.Queue)
		}
		seen[key] = struct{}{}
		exchanges[b.Exchange] = struct{}{}

		route := Route{Exchange: b.Exchange, RoutingKey: b.RoutingKey}
		if existing, ok := t.routes[b.Operation]; ok && existing != route {
			return nil, fmt.Errorf("topology: operation %q maps to both %s/%s and %s/%s",
				b.Operation, existing.Exchange, existing.RoutingKey, route.Exchange, route.RoutingKey)
		}
		if !hasWildcard(b.RoutingKey) {
			t.routes[b.Operation] = route
		}
		t.queues[b.Queue] = append(t.queues[b.Queue], b)
	}

	for queue, qb := range t.queues {
		dlx := qb[0].DeadLetterExchange
		for _, b := range qb[1:] {
			if b.DeadLetterExchange != dlx {
				return nil, fmt.Errorf("topology: queue %s has conflicting dead-letter exchanges", queue)
			}
		}
		if dlx == "" {
			if !isDeadLetterSink(qb, t.bindings) {
				return nil, fmt.Errorf("topology: queue %s has no dead-letter exchange", queue)
			}
			continue
		}
		if _, ok := exchanges[dlx]; !ok {
			return nil, fmt.Errorf("topology: queue %s dead-letters to undeclared exchange %s", queue, dlx)
		}
	}
	return t, nil
}

// isDeadLetterSink reports whether the queue only consumes from an exchange used as a DLX.
func isDeadLetterSink(queueBindings, all []Binding) bool {
	for _, qb := range queueBindings {
		used := false
		for _, b := range all {
			if b.DeadLetterExchange == qb.Exchange {
				used = true
				break
			}
		}
		if !used {
			return false
		}
	}
	return true
}

// LoadTopologyFile reads bindings from a YAML document.
func LoadTopologyFile(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	var doc topologyFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse topology file: %w", err)
	}
	return NewTopology(doc.Bindings)
}

// MarshalYAML renders the topology in the format LoadTopologyFile accepts.
func (t *Topology) MarshalYAML() (interface{}, error) {
	return topologyFile{Bindings: t.Bindings()}, nil
}

// Route returns where a producer publishes operation.
func (t *Topology) Route(operation string) (Route, error) {
	r, ok := t.routes[operation]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return r, nil
}

// Bindings returns a copy of every binding.
func (t *Topology) Bindings() []Binding {
	out := make([]Binding, len(t.bindings))
	copy(out, t.bindings)
	return out
}

// QueueBindings returns the bindings feeding queue.
func (t *Topology) QueueBindings(queue string) []Binding {
	qb := t.queues[queue]
	out := make([]Binding, len(qb))
	copy(out, qb)
	return out
}

// DeadLetterExchange returns the DLX of queue and whether one exists.
func (t *Topology) DeadLetterExchange(queue string) (string, bool) {
	qb, ok := t.queues[queue]
	if !ok || qb[0].DeadLetterExchange == "" {
		return "", false
	}
	return qb[0].DeadLetterExchange, true
}

// Queues lists every declared queue, sorted.
func (t *Topology) Queues() []string {
	out := make([]string, 0, len(t.queues))
	for q := range t.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Exchanges lists every declared exchange, sorted.
func (t *Topology) Exchanges() []string {
	set := make(map[string]struct{})
	for _, b := range t.bindings {
		set[b.Exchange] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// QueuesFor returns the queues that receive a message published to exchange with routingKey.
func (t *Topology) QueuesFor(exchange, routingKey string) []string {
	set := make(map[string]struct{})
	for _, b := range t.bindings {
		if b.Exchange == exchange && MatchRoutingKey(b.RoutingKey, routingKey) {
			set[b.Queue] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for q := range set {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Receives reports whether queue is bound to exchange for routingKey.
func (t *Topology) Receives(exchange, routingKey, queue string) bool {
	for _, b := range t.bindings {
		if b.Queue == queue && b.Exchange == exchange && MatchRoutingKey(b.RoutingKey, routingKey) {
			return true
		}
	}
	return false
}

// QueueRoutingKey is the routing key that addresses queue alone on an exchange it is bound to.
func QueueRoutingKey(queue string) string {
	return "_queue." + DurableName(queue)
}

// Subject is the broker subject for a routing key on an exchange.
func Subject(exchange, routingKey string) string {
	return exchange + "." + routingKey
}

// StreamName maps an exchange to a JetStream stream name.
func StreamName(exchange string) string {
	return strings.ReplaceAll(exchange, ".", "-")
}

// DurableName maps a queue to a JetStream durable consumer name.
func DurableName(queue string) string {
	return strings.ReplaceAll(queue, ".", "_")
}

// MatchRoutingKey matches key against pattern using '*' for one token and '>' for the rest.
func MatchRoutingKey(pattern, key string) bool {
	if pattern == key {
		return true
	}
	pt := strings.Split(pattern, ".")
	kt := strings.Split(key, ".")
	for i, p := range pt {
		if p == ">" {
			return len(kt) > i
		}
		if i >= len(kt) {
			return false
		}
		if p != "*" && p != kt[i] {
			return false
		}
	}
	return len(pt) == len(kt)
}

func hasWildcard(routingKey string) bool {
	for _, tok := range strings.Split(routingKey, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}
