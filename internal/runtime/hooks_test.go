package runtime

import (
	"errors"
	"testing"
)

func TestMergeChainsInOrder(t *testing.T) {
	var calls []string
	first := DispatchHooks{
		OnHandlerStart: func(HookContext) { calls = append(calls, "first.start") },
		OnHandlerDone:  func(HookContext) { calls = append(calls, "first.done") },
	}
	second := DispatchHooks{
		OnHandlerStart: func(HookContext) { calls = append(calls, "second.start") },
		OnHandlerDone:  func(HookContext) { calls = append(calls, "second.done") },
	}

	merged := first.Merge(second)
	merged.OnHandlerStart(HookContext{})
	merged.OnHandlerDone(HookContext{})

	want := []string{"first.start", "second.start", "first.done", "second.done"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestMergeWithNilSides(t *testing.T) {
	var started int
	withStart := DispatchHooks{
		OnHandlerStart: func(HookContext) { started++ },
	}

	merged := DispatchHooks{}.Merge(withStart)
	merged.OnHandlerStart(HookContext{})
	if started != 1 {
		t.Errorf("started = %d", started)
	}
	if merged.OnHandlerDone != nil {
		t.Error("done hook should stay nil when both sides are nil")
	}

	merged = withStart.Merge(DispatchHooks{})
	merged.OnHandlerStart(HookContext{})
	if started != 2 {
		t.Errorf("started = %d", started)
	}
}

func TestMergeErrorHookReceivesError(t *testing.T) {
	var got []error
	a := DispatchHooks{OnHandlerError: func(_ HookContext, err error) { got = append(got, err) }}
	b := DispatchHooks{OnHandlerError: func(_ HookContext, err error) { got = append(got, err) }}

	sentinel := errors.New("handler blew up")
	a.Merge(b).OnHandlerError(HookContext{}, sentinel)

	if len(got) != 2 || got[0] != sentinel || got[1] != sentinel {
		t.Fatalf("got = %v", got)
	}
}
