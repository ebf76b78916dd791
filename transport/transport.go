// Package transport defines the contract between the event-bus runtime and a
// physical broker connection. Each backend lives in its own sub-package and
// registers itself with the transport registry.
//
// A Connection is a thin wrapper over one live broker session: publish,
// subscribe, and a channel of inbound frames. There is deliberately no retry
// logic here; reconnection and subscription replay are layered above by the
// client lifecycle manager.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/voicebridge/eventbus/internal/runtime/logging"
)

// ErrClosed is returned by operations on a connection that has been closed
// or lost. Calls are never silently queued.
var ErrClosed = errors.New("eventbus: connection closed")

// Message is one inbound frame: the concrete topic it arrived on and the raw
// payload bytes.
type Message struct {
	Topic   string
	Payload []byte
	// Duplicate is set when the broker flagged the frame as a redelivery.
	Duplicate bool
}

// Connection is a single live broker session. Implementations must close the
// Messages channel when the session ends, whether by Close or by a transport
// failure, so the owner can observe the loss.
type Connection interface {
	// Publish sends payload to topic at the given QoS. retain asks the
	// broker to keep the message as the topic's last value.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Subscribe registers interest in a topic filter (MQTT `+`/`#`
	// wildcards allowed).
	Subscribe(ctx context.Context, filter string, qos byte) error

	// Unsubscribe removes a previously registered filter.
	Unsubscribe(ctx context.Context, filter string) error

	// Messages returns the inbound frame stream. The channel is closed when
	// the connection ends.
	Messages() <-chan Message

	// Close tears the session down.
	Close(ctx context.Context) error
}

// Config provides the configuration values needed by transports. The
// interface lets transports read only what they need without depending on
// the full config package.
type Config interface {
	GetTransport() string
	GetBrokerURL() string
	GetUsername() string
	GetPassword() string
	GetClientID() string
	GetConnectTimeout() time.Duration
	GetKeepAlive() time.Duration
}

// Builder creates a connected session from config. A returned error means
// the connect attempt failed; the caller decides whether and when to retry.
type Builder func(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Connection, error)

// Capabilities reports what a backend can do, so callers can reason about
// delivery guarantees per transport.
type Capabilities struct {
	Name             string `json:"name"`
	SupportsRetained bool   `json:"supports_retained"`
	SupportsQoS1     bool   `json:"supports_qos1"`
	SupportsQoS2     bool   `json:"supports_qos2"`
	SupportsWildcard bool   `json:"supports_wildcard"`
}
