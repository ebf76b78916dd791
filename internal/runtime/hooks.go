package runtime

import (
	"time"
)

// HookContext provides information about one handler invocation to hooks.
type HookContext struct {
	// Filter is the subscription filter whose handler is running.
	Filter string
	// Topic is the concrete topic the message arrived on.
	Topic string
	// MessageID is the envelope's message id.
	MessageID string
	// EventType is the envelope's event type.
	EventType string
	// StartedAt is when the invocation began.
	StartedAt time.Time
	// Duration is how long the invocation took (set in OnHandlerDone and
	// OnHandlerError).
	Duration time.Duration
}

// DispatchHooks defines callbacks around handler invocations. All hooks are
// optional; nil hooks are simply not called.
type DispatchHooks struct {
	// OnHandlerStart is called before the handler runs.
	OnHandlerStart func(ctx HookContext)

	// OnHandlerDone is called after the handler completes without error.
	OnHandlerDone func(ctx HookContext)

	// OnHandlerError is called when the handler returns an error, panics,
	// or exceeds its timeout.
	OnHandlerError func(ctx HookContext, err error)
}

// Merge combines two hook sets; hooks from other run after hooks from h.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnHandlerStart: chainStartHooks(h.OnHandlerStart, other.OnHandlerStart),
		OnHandlerDone:  chainDoneHooks(h.OnHandlerDone, other.OnHandlerDone),
		OnHandlerError: chainErrorHooks(h.OnHandlerError, other.OnHandlerError),
	}
}

func chainStartHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDoneHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}
