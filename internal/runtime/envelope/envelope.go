// Package envelope defines the versioned wire envelope wrapped around every
// payload on the bus and the registry mapping logical event types to topics.
// It is pure lookup and validation: no network access, no mutable global
// state beyond the registration table built at startup.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/voicebridge/eventbus/internal/runtime/errors"
	idspkg "github.com/voicebridge/eventbus/internal/runtime/ids"
	"github.com/voicebridge/eventbus/internal/runtime/jsoncodec"
)

// Envelope is the wire wrapper carried by every publish. It is immutable
// once built or decoded; redelivery of the same logical message reuses the
// same MessageID so the deduplicator can recognise repeats.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	EventType     string          `json:"event_type"`
	Timestamp     float64         `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
}

// DecodeData strict-decodes the envelope payload into v, rejecting unknown
// fields.
func (e *Envelope) DecodeData(v any) error {
	return jsoncodec.UnmarshalStrict(e.Data, v)
}

// ParseEventType splits an event type of the form "name@vN" into its name
// and schema version. Types without a version suffix report version 0.
func ParseEventType(eventType string) (name string, version int) {
	name = eventType
	at := strings.LastIndex(eventType, "@")
	if at < 0 {
		return name, 0
	}
	suffix := eventType[at+1:]
	if !strings.HasPrefix(suffix, "v") {
		return name, 0
	}
	n, err := strconv.Atoi(suffix[1:])
	if err != nil || n < 0 {
		return name, 0
	}
	return eventType[:at], n
}

// Registration describes one event type: the single topic it publishes to,
// the QoS requested for it, and optional payload schema and response topic.
type Registration struct {
	EventType     string
	Topic         string
	QoS           byte
	ResponseTopic string
	NewPayload    func() any
	RegisteredAt  time.Time
}

// Option customises a registration.
type Option func(*Registration)

// WithQoS sets the delivery-assurance level used when publishing the event.
func WithQoS(qos byte) Option {
	return func(r *Registration) { r.QoS = qos }
}

// WithPayload registers a closed payload schema for the event type. Decoded
// payloads are strict-checked against it and unknown fields are rejected.
func WithPayload(factory func() any) Option {
	return func(r *Registration) { r.NewPayload = factory }
}

// WithResponseTopic marks the event type as a correlated request and names
// the topic its responses arrive on.
func WithResponseTopic(topic string) Option {
	return func(r *Registration) { r.ResponseTopic = topic }
}

// Registry holds the static event-type to topic table. Build it at startup
// and treat it as read-only afterwards; Encode and Decode are safe for
// concurrent use once registration is done.
type Registry struct {
	source  string
	entries map[string]*Registration
}

// NewRegistry creates a registry whose encoded envelopes carry the given
// source identifier (conventionally the client id).
func NewRegistry(source string) *Registry {
	return &Registry{
		source:  source,
		entries: make(map[string]*Registration),
	}
}

// Register maps eventType to exactly one topic. Registering the same event
// type twice is an error; supporting schema versions N and N-1 concurrently
// means registering "name@vN" and "name@vN-1" as separate types.
func (r *Registry) Register(eventType, topic string, opts ...Option) error {
	if eventType == "" {
		return fmt.Errorf("eventbus: event type is required")
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if _, ok := r.entries[eventType]; ok {
		return fmt.Errorf("eventbus: event type %q already registered", eventType)
	}

	reg := &Registration{
		EventType:    eventType,
		Topic:        topic,
		RegisteredAt: time.Now(),
	}
	for _, opt := range opts {
		opt(reg)
	}
	r.entries[eventType] = reg
	return nil
}

// Lookup returns the registration for eventType.
func (r *Registry) Lookup(eventType string) (*Registration, error) {
	reg, ok := r.entries[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownEventType, eventType)
	}
	return reg, nil
}

// ResolveTopic returns the topic eventType publishes to.
func (r *Registry) ResolveTopic(eventType string) (string, error) {
	reg, err := r.Lookup(eventType)
	if err != nil {
		return "", err
	}
	return reg.Topic, nil
}

// Encode builds the wire form of one message: a fresh message id, the current
// timestamp, the registry source, and the marshalled payload. correlationID
// may be empty for fire-and-forget events.
func (r *Registry) Encode(eventType string, payload any, correlationID string) ([]byte, error) {
	if _, err := r.Lookup(eventType); err != nil {
		return nil, err
	}

	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("eventbus: failed to marshal payload for %q: %w", eventType, err)
	}

	env := Envelope{
		MessageID:     idspkg.NewMessageID(),
		EventType:     eventType,
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		CorrelationID: correlationID,
		Source:        r.source,
		Data:          data,
	}
	return jsoncodec.Marshal(env)
}

// Decode parses raw into an Envelope. Unknown top-level fields are rejected,
// and when the event type carries a registered payload schema the payload is
// strict-checked against it as well. Failures return a *DecodeError carrying
// the topic for log context.
func (r *Registry) Decode(topic string, raw []byte) (*Envelope, error) {
	var env Envelope
	if err := jsoncodec.UnmarshalStrict(raw, &env); err != nil {
		return nil, &errspkg.DecodeError{Topic: topic, Err: err}
	}
	if env.EventType == "" {
		return nil, &errspkg.DecodeError{Topic: topic, Err: fmt.Errorf("missing event_type")}
	}

	if reg, ok := r.entries[env.EventType]; ok && reg.NewPayload != nil {
		target := reg.NewPayload()
		if err := jsoncodec.UnmarshalStrict(env.Data, target); err != nil {
			return nil, &errspkg.DecodeError{Topic: topic, Err: fmt.Errorf("payload schema mismatch for %q: %w", env.EventType, err)}
		}
	}
	return &env, nil
}

// ResponseTopics returns the distinct response topics of all registered
// correlated event types, sorted.
func (r *Registry) ResponseTopics() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, reg := range r.entries {
		if reg.ResponseTopic == "" {
			continue
		}
		if _, ok := seen[reg.ResponseTopic]; ok {
			continue
		}
		seen[reg.ResponseTopic] = struct{}{}
		out = append(out, reg.ResponseTopic)
	}
	sort.Strings(out)
	return out
}
