package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicebridge/eventbus/internal/runtime/dedup"
	"github.com/voicebridge/eventbus/internal/runtime/envelope"
	errspkg "github.com/voicebridge/eventbus/internal/runtime/errors"
	loggingpkg "github.com/voicebridge/eventbus/internal/runtime/logging"
	topicspkg "github.com/voicebridge/eventbus/internal/topics"
	"github.com/voicebridge/eventbus/transport"
)

// Delivery carries everything a handler may need for one message. It is an
// explicit context struct so handlers hold no hidden shared state.
type Delivery struct {
	Topic    string
	Envelope *envelope.Envelope
	Logger   loggingpkg.ServiceLogger
}

// Handler processes one decoded message. Errors are isolated: they are
// logged and counted, never propagated to other handlers or the dispatch
// loop.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, d *Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// TimeoutCarrier is an optional capability a handler may implement to
// override the configured dispatch timeout for its own invocations.
type TimeoutCarrier interface {
	HandleTimeout() time.Duration
}

const subscriptionQueueSize = 64

type dispatchTask struct {
	ctx   context.Context
	topic string
	env   *envelope.Envelope
}

type subscription struct {
	filter       string
	qos          byte
	handler      Handler
	registeredAt time.Time
	queue        chan dispatchTask
	stats        *HandlerStats
}

// SubscribeOption customises a subscription registration.
type SubscribeOption func(*subscription)

// WithSubscribeQoS sets the QoS requested from the broker for the filter.
func WithSubscribeQoS(qos byte) SubscribeOption {
	return func(s *subscription) { s.qos = qos }
}

// dispatcher routes inbound frames to matching handlers. Each subscription
// owns a serial worker so invocation order per subscriber follows frame
// arrival order; concurrency across subscriptions is bounded by a shared
// semaphore.
type dispatcher struct {
	logger  loggingpkg.ServiceLogger
	reg     *envelope.Registry
	dedup   *dedup.Cache
	metrics *Metrics
	hooks   DispatchHooks
	timeout time.Duration
	tracer  trace.Tracer

	sem chan struct{}

	mu       sync.RWMutex
	subs     []*subscription
	byFilter map[string]*subscription
	closed   bool

	workers sync.WaitGroup
}

func newDispatcher(logger loggingpkg.ServiceLogger, reg *envelope.Registry, cache *dedup.Cache, metrics *Metrics, hooks DispatchHooks, timeout time.Duration, maxConcurrent int) *dispatcher {
	return &dispatcher{
		logger:   logger,
		reg:      reg,
		dedup:    cache,
		metrics:  metrics,
		hooks:    hooks,
		timeout:  timeout,
		tracer:   otel.Tracer("eventbus/dispatch"),
		sem:      make(chan struct{}, maxConcurrent),
		byFilter: make(map[string]*subscription),
	}
}

// add registers a handler for a topic filter. At most one handler per exact
// filter string; overlapping wildcard filters all fire on match.
func (d *dispatcher) add(filter string, handler Handler, opts ...SubscribeOption) (*subscription, error) {
	if filter == "" {
		return nil, errspkg.ErrFilterRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if err := topicspkg.ValidateFilter(filter); err != nil {
		return nil, err
	}

	sub := &subscription{
		filter:       filter,
		handler:      handler,
		registeredAt: time.Now(),
		queue:        make(chan dispatchTask, subscriptionQueueSize),
		stats:        &HandlerStats{},
	}
	for _, opt := range opts {
		opt(sub)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errspkg.ErrClientStopped
	}
	if _, exists := d.byFilter[filter]; exists {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrDuplicateSubscription, filter)
	}
	d.byFilter[filter] = sub
	d.subs = append(d.subs, sub)

	d.workers.Add(1)
	go d.worker(sub)

	return sub, nil
}

// subscriptions returns the registered subscriptions in registration order,
// which is also the order they are replayed in after a reconnect.
func (d *dispatcher) subscriptions() []*subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*subscription, len(d.subs))
	copy(out, d.subs)
	return out
}

// dispatch runs the inbound pipeline for one frame: decode, dedup, match,
// enqueue. A full subscription queue blocks here, backpressuring the
// connection drain loop.
func (d *dispatcher) dispatch(ctx context.Context, msg transport.Message) {
	d.metrics.received.Inc()

	env, err := d.reg.Decode(msg.Topic, msg.Payload)
	if err != nil {
		d.metrics.decodeFailures.Inc()
		d.logger.Error("dropping undecodable message", err, loggingpkg.LogFields{
			"topic": msg.Topic,
		})
		return
	}

	if !d.dedup.ShouldProcess(msg.Topic, env.MessageID) {
		d.metrics.duplicates.Inc()
		d.logger.Debug("dropping duplicate message", loggingpkg.LogFields{
			"topic":      msg.Topic,
			"message_id": env.MessageID,
		})
		return
	}

	for _, sub := range d.match(msg.Topic) {
		select {
		case sub.queue <- dispatchTask{ctx: ctx, topic: msg.Topic, env: env}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *dispatcher) match(topic string) []*subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var matched []*subscription
	for _, sub := range d.subs {
		if topicspkg.Match(sub.filter, topic) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (d *dispatcher) worker(sub *subscription) {
	defer d.workers.Done()
	for task := range sub.queue {
		d.sem <- struct{}{}
		d.invoke(task, sub)
		<-d.sem
	}
}

// invoke runs one handler under its timeout with panic recovery. A handler
// that ignores cancellation is abandoned, not waited for, so a stuck handler
// cannot stall its subscription forever.
func (d *dispatcher) invoke(task dispatchTask, sub *subscription) {
	timeout := d.timeout
	if tc, ok := sub.handler.(TimeoutCarrier); ok {
		if override := tc.HandleTimeout(); override > 0 {
			timeout = override
		}
	}

	hctx := HookContext{
		Filter:    sub.filter,
		Topic:     task.topic,
		MessageID: task.env.MessageID,
		EventType: task.env.EventType,
		StartedAt: time.Now(),
	}
	if d.hooks.OnHandlerStart != nil {
		d.hooks.OnHandlerStart(hctx)
	}

	ctx, cancel := context.WithTimeout(task.ctx, timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "eventbus.handle",
		trace.WithAttributes(
			attribute.String("messaging.topic", task.topic),
			attribute.String("messaging.message_id", task.env.MessageID),
			attribute.String("messaging.event_type", task.env.EventType),
			attribute.String("messaging.filter", sub.filter),
		))
	defer span.End()

	d.metrics.inFlight.Inc()
	d.metrics.handlerInvocations.WithLabelValues(sub.filter).Inc()

	delivery := &Delivery{
		Topic:    task.topic,
		Envelope: task.env,
		Logger: d.logger.With(loggingpkg.LogFields{
			"topic":      task.topic,
			"message_id": task.env.MessageID,
		}),
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.metrics.handlerPanics.WithLabelValues(sub.filter).Inc()
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.handler.Handle(ctx, delivery)
	}()

	var err error
	timedOut := false
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		timedOut = errors.Is(err, context.DeadlineExceeded)
		if timedOut {
			d.metrics.handlerTimeouts.WithLabelValues(sub.filter).Inc()
		}
	}

	duration := time.Since(hctx.StartedAt)
	d.metrics.inFlight.Dec()
	d.metrics.handlerDuration.WithLabelValues(sub.filter).Observe(duration.Seconds())
	sub.stats.onFinish(duration, err != nil, timedOut)
	hctx.Duration = duration

	if err != nil {
		d.metrics.handlerErrors.WithLabelValues(sub.filter).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("handler failed", err, loggingpkg.LogFields{
			"filter":     sub.filter,
			"topic":      task.topic,
			"message_id": task.env.MessageID,
			"event_type": task.env.EventType,
		})
		if d.hooks.OnHandlerError != nil {
			d.hooks.OnHandlerError(hctx, err)
		}
		return
	}

	if d.hooks.OnHandlerDone != nil {
		d.hooks.OnHandlerDone(hctx)
	}
}

// close drains the workers. Safe to call once from Stop.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, sub := range d.subs {
		close(sub.queue)
	}
	d.mu.Unlock()
	d.workers.Wait()
}
