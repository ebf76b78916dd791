// Package channel provides an in-memory broker transport for testing and
// local development. It honours the parts of broker behaviour the runtime
// depends on: wildcard filters, retained messages, and sessions that end by
// closing their frame channel, so disconnect and reconnect paths can be
// exercised without a real broker.
package channel

import (
	"context"
	"sync"

	"github.com/voicebridge/eventbus/internal/runtime/logging"
	"github.com/voicebridge/eventbus/internal/topics"
	"github.com/voicebridge/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// ChannelCapabilities describes what the in-memory transport supports.
var ChannelCapabilities = transport.Capabilities{
	Name:             TransportName,
	SupportsRetained: true,
	SupportsQoS1:     false,
	SupportsQoS2:     false,
	SupportsWildcard: true,
}

// Default is the broker used by Build. Tests that need isolation create
// their own Broker and connect to it directly.
var Default = NewBroker()

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, ChannelCapabilities)
}

// Build connects a new session to the Default broker.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Connection, error) {
	return Default.Connect(cfg.GetClientID()), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return ChannelCapabilities
}

// Broker is a process-local message broker. Retained messages survive
// session drops, mirroring a broker restart where clients reconnect and
// retained state is still served.
type Broker struct {
	mu       sync.Mutex
	retained map[string][]byte
	conns    map[*connection]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		conns:    make(map[*connection]struct{}),
	}
}

// Connect opens a new session.
func (b *Broker) Connect(clientID string) transport.Connection {
	c := &connection{
		broker:   b,
		clientID: clientID,
		msgs:     make(chan transport.Message, 256),
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// DropAll forcibly ends every live session without touching retained state,
// simulating a broker restart or a network partition.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*connection]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		c.drop()
	}
}

// Retained returns the retained payload for topic, if any.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.retained[topic]
	return payload, ok
}

func (b *Broker) publish(topic string, payload []byte, retain bool) {
	b.mu.Lock()
	if retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = append([]byte(nil), payload...)
		}
	}
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.deliver(topic, payload, false)
	}
}

func (b *Broker) remove(c *connection) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// retainedMatching returns retained messages whose topic matches filter.
func (b *Broker) retainedMatching(filter string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.Message
	for topic, payload := range b.retained {
		if topics.Match(filter, topic) {
			out = append(out, transport.Message{Topic: topic, Payload: append([]byte(nil), payload...)})
		}
	}
	return out
}

type subscription struct {
	filter string
	qos    byte
}

type connection struct {
	broker   *Broker
	clientID string

	mu     sync.Mutex
	subs   []subscription
	closed bool
	msgs   chan transport.Message
}

func (c *connection) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := topics.ValidateTopic(topic); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.mu.Unlock()

	c.broker.publish(topic, payload, retain)
	return nil
}

func (c *connection) Subscribe(ctx context.Context, filter string, qos byte) error {
	if err := topics.ValidateFilter(filter); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.subs = append(c.subs, subscription{filter: filter, qos: qos})
	c.mu.Unlock()

	for _, msg := range c.broker.retainedMatching(filter) {
		c.send(msg)
	}
	return nil
}

func (c *connection) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s.filter != filter {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	return nil
}

func (c *connection) Messages() <-chan transport.Message {
	return c.msgs
}

func (c *connection) Close(ctx context.Context) error {
	c.broker.remove(c)
	c.drop()
	return nil
}

func (c *connection) deliver(topic string, payload []byte, duplicate bool) {
	c.mu.Lock()
	matched := false
	for _, s := range c.subs {
		if topics.Match(s.filter, topic) {
			matched = true
			break
		}
	}
	c.mu.Unlock()
	if !matched {
		return
	}
	c.send(transport.Message{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Duplicate: duplicate,
	})
}

// send enqueues one frame. A full buffer drops the frame; the in-memory
// broker targets tests, where a stalled receiver means a broken test rather
// than something worth deadlocking over.
func (c *connection) send(msg transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- msg:
	default:
	}
}

func (c *connection) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.msgs)
}
