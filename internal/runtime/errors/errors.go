package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrClientRequired        = sterrors.New("eventbus: client is required")
	ErrHandlerRequired       = sterrors.New("eventbus: handler is required")
	ErrFilterRequired        = sterrors.New("eventbus: topic filter is required")
	ErrTopicRequired         = sterrors.New("eventbus: topic is required")
	ErrDuplicateSubscription = sterrors.New("eventbus: a handler is already registered for this filter")
	ErrNotConnected          = sterrors.New("eventbus: not connected")
	ErrClientStopped         = sterrors.New("eventbus: client stopped")
	ErrUnknownEventType      = sterrors.New("eventbus: unknown event type")
	ErrNoResponseTopic       = sterrors.New("eventbus: event type has no response topic")
	ErrRequestTimeout        = sterrors.New("eventbus: request timed out")
)

// DecodeError wraps a payload that could not be decoded into an envelope,
// keeping the topic for log context. Decode failures are dropped by the
// dispatcher and never reach handler code.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("eventbus: decode failed on topic %q: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConfigValidationError aggregates the problems found while validating a
// configuration. It is returned before any connection attempt is made.
type ConfigValidationError struct {
	Err error
}

func (e *ConfigValidationError) Error() string {
	return "eventbus: invalid configuration: " + e.Err.Error()
}

func (e *ConfigValidationError) Unwrap() error { return e.Err }
