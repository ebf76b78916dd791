package eventbus

import (
	"context"
	"time"

	runtimepkg "github.com/voicebridge/eventbus/internal/runtime"
	configpkg "github.com/voicebridge/eventbus/internal/runtime/config"
	envelopepkg "github.com/voicebridge/eventbus/internal/runtime/envelope"
	errspkg "github.com/voicebridge/eventbus/internal/runtime/errors"
	loggingpkg "github.com/voicebridge/eventbus/internal/runtime/logging"
)

type (
	Config             = configpkg.Config
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies
	ConnState          = runtimepkg.ConnState

	Handler         = runtimepkg.Handler
	HandlerFunc     = runtimepkg.HandlerFunc
	TimeoutCarrier  = runtimepkg.TimeoutCarrier
	Delivery        = runtimepkg.Delivery
	SubscribeOption = runtimepkg.SubscribeOption

	DispatchHooks = runtimepkg.DispatchHooks
	HookContext   = runtimepkg.HookContext
	HandlerInfo   = runtimepkg.HandlerInfo
	HandlerStats  = runtimepkg.HandlerStats

	Envelope     = envelopepkg.Envelope
	Registration = envelopepkg.Registration
	EventOption  = envelopepkg.Option

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	DecodeError           = errspkg.DecodeError
	ConfigValidationError = errspkg.ConfigValidationError
)

// Connection states, owned by the Client lifecycle.
const (
	StateDisconnected = runtimepkg.StateDisconnected
	StateConnecting   = runtimepkg.StateConnecting
	StateConnected    = runtimepkg.StateConnected
	StateReconnecting = runtimepkg.StateReconnecting
	StateShuttingDown = runtimepkg.StateShuttingDown
)

// The only failures callers of this package observe; everything else is
// retried or absorbed internally.
var (
	ErrNotConnected          = errspkg.ErrNotConnected
	ErrRequestTimeout        = errspkg.ErrRequestTimeout
	ErrClientStopped         = errspkg.ErrClientStopped
	ErrUnknownEventType      = errspkg.ErrUnknownEventType
	ErrNoResponseTopic       = errspkg.ErrNoResponseTopic
	ErrDuplicateSubscription = errspkg.ErrDuplicateSubscription
)

// NewClient validates conf and builds a client. Register event types and
// handlers on the returned Client before calling Start.
func NewClient(conf Config, logger ServiceLogger, deps ClientDependencies) (*Client, error) {
	return runtimepkg.NewClient(conf, logger, deps)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
var NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

// NewNopLogger returns a logger that discards everything.
var NewNopLogger = loggingpkg.NewNopLogger

// LoadConfigFile reads a YAML configuration file and applies defaults.
var LoadConfigFile = configpkg.LoadFile

// ParseEventType splits "name@vN" into its name and schema version.
var ParseEventType = envelopepkg.ParseEventType

// WithQoS sets the delivery-assurance level used when publishing an event
// type.
func WithQoS(qos byte) EventOption { return envelopepkg.WithQoS(qos) }

// WithPayload registers a closed payload schema; decoded payloads are
// strict-checked against it.
func WithPayload(factory func() any) EventOption { return envelopepkg.WithPayload(factory) }

// WithResponseTopic marks an event type as a correlated request and names
// the topic its responses arrive on.
func WithResponseTopic(topic string) EventOption { return envelopepkg.WithResponseTopic(topic) }

// WithSubscribeQoS sets the QoS requested from the broker for a filter.
func WithSubscribeQoS(qos byte) SubscribeOption { return runtimepkg.WithSubscribeQoS(qos) }

// HandleTimeout is a convenience for wrapping a HandlerFunc with a
// per-handler timeout override, implementing the TimeoutCarrier capability.
func HandleTimeout(h HandlerFunc, timeout time.Duration) Handler {
	return timeoutHandler{fn: h, timeout: timeout}
}

type timeoutHandler struct {
	fn      HandlerFunc
	timeout time.Duration
}

func (t timeoutHandler) Handle(ctx context.Context, d *Delivery) error { return t.fn(ctx, d) }
func (t timeoutHandler) HandleTimeout() time.Duration                  { return t.timeout }
