// Package mqtt provides the broker-backed transport using the Eclipse Paho
// client. Automatic reconnection is disabled on purpose: the client lifecycle
// manager owns reconnect-with-backoff and subscription replay, and observes a
// lost session through the closed Messages channel.
package mqtt

import (
	"context"
	"fmt"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/voicebridge/eventbus/internal/runtime/logging"
	"github.com/voicebridge/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mqtt"

// MQTTCapabilities describes what the broker transport supports.
var MQTTCapabilities = transport.Capabilities{
	Name:             TransportName,
	SupportsRetained: true,
	SupportsQoS1:     true,
	SupportsQoS2:     true,
	SupportsWildcard: true,
}

// Factory allows overriding client creation for testing.
var Factory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, MQTTCapabilities)
}

type connection struct {
	client paho.Client
	logger logging.ServiceLogger

	msgs      chan transport.Message
	closeOnce sync.Once
}

// Build connects to the configured broker and returns the live session.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Connection, error) {
	if cfg.GetBrokerURL() == "" {
		return nil, fmt.Errorf("mqtt: broker URL is required")
	}

	c := &connection{
		logger: logger,
		msgs:   make(chan transport.Message, 64),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.GetBrokerURL()).
		SetClientID(cfg.GetClientID()).
		SetUsername(cfg.GetUsername()).
		SetPassword(cfg.GetPassword()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(cfg.GetKeepAlive()).
		SetConnectTimeout(cfg.GetConnectTimeout()).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if logger != nil {
				logger.Error("mqtt connection lost", err, nil)
			}
			c.closeMessages()
		})

	c.client = Factory(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(cfg.GetConnectTimeout()) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.GetBrokerURL())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.GetBrokerURL(), err)
	}

	return c, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return MQTTCapabilities
}

func (c *connection) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !c.client.IsConnected() {
		return transport.ErrClosed
	}
	token := c.client.Publish(topic, qos, retain, payload)
	return c.await(ctx, token)
}

func (c *connection) Subscribe(ctx context.Context, filter string, qos byte) error {
	if !c.client.IsConnected() {
		return transport.ErrClosed
	}
	token := c.client.Subscribe(filter, qos, c.onMessage)
	return c.await(ctx, token)
}

func (c *connection) Unsubscribe(ctx context.Context, filter string) error {
	if !c.client.IsConnected() {
		return transport.ErrClosed
	}
	token := c.client.Unsubscribe(filter)
	return c.await(ctx, token)
}

func (c *connection) Messages() <-chan transport.Message {
	return c.msgs
}

func (c *connection) Close(ctx context.Context) error {
	c.client.Disconnect(250)
	c.closeMessages()
	return nil
}

// onMessage pumps broker deliveries into the frame channel. Paho invokes it
// from its own router goroutine, so a blocked receiver backpressures the
// broker session rather than dropping frames.
func (c *connection) onMessage(_ paho.Client, msg paho.Message) {
	defer func() {
		// The frame channel closes when the session dies; a send racing
		// that close is abandoned.
		_ = recover()
	}()
	c.msgs <- transport.Message{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		Duplicate: msg.Duplicate(),
	}
}

func (c *connection) closeMessages() {
	c.closeOnce.Do(func() { close(c.msgs) })
}

func (c *connection) await(ctx context.Context, token paho.Token) error {
	done := token.Done()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
