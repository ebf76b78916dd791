package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/voicebridge/eventbus/internal/runtime/config"
	"github.com/voicebridge/eventbus/internal/runtime/dedup"
	"github.com/voicebridge/eventbus/internal/runtime/envelope"
	errspkg "github.com/voicebridge/eventbus/internal/runtime/errors"
	idspkg "github.com/voicebridge/eventbus/internal/runtime/ids"
	loggingpkg "github.com/voicebridge/eventbus/internal/runtime/logging"
	"github.com/voicebridge/eventbus/transport"
)

// ClientDependencies holds the optional collaborators a Client can use.
// Leave fields nil to get the defaults.
type ClientDependencies struct {
	// Hooks are invoked around every handler invocation.
	Hooks DispatchHooks
	// Registerer receives the client's Prometheus collectors. Nil gets a
	// private registry so multiple clients in one process never collide.
	Registerer prometheus.Registerer
	// TransportBuilder overrides the registry lookup entirely. Used by
	// tests to connect to a private in-memory broker.
	TransportBuilder transport.Builder
	// TransportRegistry selects which registry resolves the configured
	// transport name. Nil means transport.DefaultRegistry.
	TransportRegistry *transport.Registry
}

// Client owns one managed broker connection and everything layered on it:
// reconnect with backoff, subscription replay, heartbeat and health
// publication, deduplicating dispatch, and request/response correlation.
//
// Collaborating services consume the bus only through RegisterEventType,
// AddSubscriptionHandler, Publish, and Request; the transport connection is
// never handed out.
type Client struct {
	conf   configpkg.Config
	logger loggingpkg.ServiceLogger

	registry   *envelope.Registry
	dedup      *dedup.Cache
	dispatcher *dispatcher
	correlator *correlator
	metrics    *Metrics
	builder    transport.Builder

	state atomic.Int32

	connMu sync.RWMutex
	conn   transport.Connection

	respMu     sync.Mutex
	respTopics map[string]struct{}

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewClient validates the configuration and builds a client. Misconfiguration
// is fatal here, before any connection attempt.
func NewClient(conf configpkg.Config, logger loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, &errspkg.ConfigValidationError{Err: err}
	}

	metrics := NewMetrics(deps.Registerer)
	registry := envelope.NewRegistry(conf.ClientID)
	cache := dedup.New(conf.DedupTTL, conf.DedupMaxEntries)

	c := &Client{
		conf:       conf,
		logger:     logger,
		registry:   registry,
		dedup:      cache,
		correlator: newCorrelator(),
		metrics:    metrics,
		respTopics: make(map[string]struct{}),
		stopped:    make(chan struct{}),
	}
	c.dispatcher = newDispatcher(logger, registry, cache, metrics, deps.Hooks,
		conf.HandlerTimeout, conf.MaxConcurrentHandlers)

	if deps.TransportBuilder != nil {
		c.builder = deps.TransportBuilder
	} else {
		reg := deps.TransportRegistry
		if reg == nil {
			reg = transport.DefaultRegistry
		}
		c.builder = reg.Build
	}

	logger.Info("creating event bus client", loggingpkg.LogFields{
		"client_id": conf.ClientID,
		"transport": conf.Transport,
		"config":    conf.String(),
	})
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
}

// RegisterEventType maps a logical event type to the topic it publishes to.
// Call before Start; the registry is read-only once dispatch begins.
func (c *Client) RegisterEventType(eventType, topic string, opts ...envelope.Option) error {
	return c.registry.Register(eventType, topic, opts...)
}

// Handlers returns a snapshot of the registered subscriptions and their
// processing counters.
func (c *Client) Handlers() []HandlerInfo {
	subs := c.dispatcher.subscriptions()
	out := make([]HandlerInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, HandlerInfo{
			Filter:       sub.filter,
			QoS:          sub.qos,
			RegisteredAt: sub.registeredAt,
			Stats:        sub.stats.Snapshot(),
		})
	}
	return out
}

// AddSubscriptionHandler registers a handler for a topic filter. When the
// client is connected the filter is subscribed immediately; otherwise it is
// picked up by the replay that follows the next successful connect. Every
// registered filter is replayed verbatim after every reconnect.
func (c *Client) AddSubscriptionHandler(ctx context.Context, filter string, handler Handler, opts ...SubscribeOption) error {
	sub, err := c.dispatcher.add(filter, handler, opts...)
	if err != nil {
		return err
	}

	if conn := c.currentConn(); conn != nil && c.State() == StateConnected {
		if err := conn.Subscribe(ctx, sub.filter, sub.qos); err != nil {
			// The subscription stays registered; the reconnect replay
			// covers it once the connection recovers.
			c.logger.Error("immediate subscribe failed, deferring to replay", err, loggingpkg.LogFields{
				"filter": filter,
			})
		}
	}
	return nil
}

// Publish encodes payload for eventType and sends it to the registered
// topic. Publishing while disconnected fails immediately with
// ErrNotConnected; nothing is silently queued.
func (c *Client) Publish(ctx context.Context, eventType string, payload any) error {
	return c.publish(ctx, eventType, payload, "")
}

func (c *Client) publish(ctx context.Context, eventType string, payload any, correlationID string) error {
	reg, err := c.registry.Lookup(eventType)
	if err != nil {
		return err
	}
	raw, err := c.registry.Encode(eventType, payload, correlationID)
	if err != nil {
		return err
	}
	return c.publishRaw(ctx, reg.Topic, raw, reg.QoS, false)
}

// Respond publishes a reply to a correlated request, carrying the
// correlation id of the request envelope being answered. The responder's
// event type must be registered with the requester's response topic as its
// publish topic.
func (c *Client) Respond(ctx context.Context, eventType string, payload any, correlationID string) error {
	return c.publish(ctx, eventType, payload, correlationID)
}

// PublishRaw sends pre-encoded bytes to an explicit topic. Intended for
// payloads already in wire form; most callers want Publish.
func (c *Client) PublishRaw(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	return c.publishRaw(ctx, topic, payload, qos, retain)
}

func (c *Client) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	conn := c.currentConn()
	if conn == nil || c.State() != StateConnected {
		return fmt.Errorf("%w: cannot publish to %q", errspkg.ErrNotConnected, topic)
	}
	return conn.Publish(ctx, topic, payload, qos, retain)
}

// Request publishes a correlated request for eventType and waits for the
// response carrying the same correlation id. The event type must have been
// registered with a response topic. The pending entry is removed on every
// exit path.
func (c *Client) Request(ctx context.Context, eventType string, payload any, timeout time.Duration) (*envelope.Envelope, error) {
	reg, err := c.registry.Lookup(eventType)
	if err != nil {
		return nil, err
	}
	if reg.ResponseTopic == "" {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrNoResponseTopic, eventType)
	}
	if err := c.ensureResponseHandler(ctx, reg.ResponseTopic); err != nil {
		return nil, err
	}

	correlationID := idspkg.NewCorrelationID()
	reply := c.correlator.register(correlationID)
	defer c.correlator.remove(correlationID)

	if err := c.publish(ctx, eventType, payload, correlationID); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-reply:
		return env, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response for %q within %s", errspkg.ErrRequestTimeout, eventType, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, errspkg.ErrClientStopped
	}
}

// ensureResponseHandler installs the single dispatcher-level handler for a
// response topic. One handler serves every request targeting that topic.
func (c *Client) ensureResponseHandler(ctx context.Context, topic string) error {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if _, ok := c.respTopics[topic]; ok {
		return nil
	}
	resolve := HandlerFunc(func(_ context.Context, d *Delivery) error {
		c.correlator.resolve(d.Envelope)
		return nil
	})
	if err := c.AddSubscriptionHandler(ctx, topic, resolve); err != nil {
		return err
	}
	c.respTopics[topic] = struct{}{}
	return nil
}

// PendingRequests reports the number of unresolved correlated requests.
func (c *Client) PendingRequests() int {
	return c.correlator.pendingCount()
}

// Start runs the connection supervise loop until ctx is cancelled or Stop is
// called: connect, replay subscriptions, publish health, heartbeat, drain
// frames into the dispatcher, and on loss re-enter backoff. Reconnect
// attempts are unbounded in count and bounded in rate; the client never
// reports a terminal "gave up" error.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer cancel()

	c.startMetricsServer(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.conf.ReconnectMinDelay
	bo.MaxInterval = c.conf.ReconnectMaxDelay

	connectedBefore := false
	for ctx.Err() == nil {
		c.setState(StateConnecting)
		conn, err := c.builder(ctx, &c.conf, c.logger)
		if err != nil {
			c.metrics.connectFailures.Inc()
			c.setState(StateReconnecting)
			delay := bo.NextBackOff()
			c.logger.Error("connect failed, backing off", err, loggingpkg.LogFields{
				"retry_in": delay.String(),
			})
			if !sleepCtx(ctx, delay) {
				break
			}
			continue
		}

		if err := c.replaySubscriptions(ctx, conn); err != nil {
			c.logger.Error("subscription replay failed", err, nil)
			_ = conn.Close(ctx)
			c.setState(StateReconnecting)
			if !sleepCtx(ctx, bo.NextBackOff()) {
				break
			}
			continue
		}

		bo.Reset()
		if connectedBefore {
			c.metrics.reconnects.Inc()
		}
		connectedBefore = true

		c.setConn(conn)
		c.setState(StateConnected)
		c.logger.Info("connected", loggingpkg.LogFields{"client_id": c.conf.ClientID})
		c.publishHealth(ctx, conn, true, "connected", nil)

		hbCtx, hbCancel := context.WithCancel(ctx)
		if c.conf.HeartbeatEnabled {
			go c.heartbeatLoop(hbCtx, conn)
		}

		// Close the connection when shutdown wins the race against a
		// transport failure; either way the frame channel closes and the
		// drain loop below unblocks.
		drained := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.publishHealth(context.Background(), conn, false, "stopped", nil)
				_ = conn.Close(context.Background())
			case <-drained:
			}
		}()

		for msg := range conn.Messages() {
			c.dispatcher.dispatch(ctx, msg)
		}
		close(drained)
		hbCancel()
		c.setConn(nil)

		if ctx.Err() != nil {
			break
		}

		c.setState(StateReconnecting)
		c.publishHealth(ctx, conn, false, "disconnected", nil)
		c.logger.Info("connection lost, reconnecting", nil)
		if !sleepCtx(ctx, bo.NextBackOff()) {
			break
		}
	}

	c.shutdown(ctx)
	return nil
}

// Stop ends the supervise loop and releases the connection. In-flight
// correlated requests resolve with ErrClientStopped rather than being left
// pending.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.cancelMu.Lock()
		cancel := c.cancel
		c.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (c *Client) shutdown(ctx context.Context) {
	c.setState(StateShuttingDown)
	c.Stop()

	if conn := c.currentConn(); conn != nil {
		c.publishHealth(context.Background(), conn, false, "stopped", nil)
		_ = conn.Close(context.Background())
		c.setConn(nil)
	}

	c.dispatcher.close()
	c.logger.Info("event bus client stopped", nil)
}

func (c *Client) replaySubscriptions(ctx context.Context, conn transport.Connection) error {
	for _, sub := range c.dispatcher.subscriptions() {
		if err := conn.Subscribe(ctx, sub.filter, sub.qos); err != nil {
			return fmt.Errorf("subscribe %q: %w", sub.filter, err)
		}
	}
	return nil
}

func (c *Client) currentConn() transport.Connection {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) setConn(conn transport.Connection) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) startMetricsServer(ctx context.Context) {
	if !c.conf.MetricsEnabled || c.conf.MetricsPort <= 0 || c.metrics.gatherer == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.metrics.gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.conf.MetricsPort),
		Handler: mux,
	}

	go func() {
		c.logger.Info("starting metrics server", loggingpkg.LogFields{"address": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", err, loggingpkg.LogFields{"address": server.Addr})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// sleepCtx waits for d, returning false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
