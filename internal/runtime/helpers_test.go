package runtime

import (
	"testing"
	"time"

	"github.com/voicebridge/eventbus/internal/runtime/dedup"
	"github.com/voicebridge/eventbus/internal/runtime/envelope"
	"github.com/voicebridge/eventbus/internal/runtime/logging"
)

const testEventType = "asr.final@v1"

type asrPayload struct {
	Text string `json:"text"`
}

func newTestRegistry(t *testing.T) *envelope.Registry {
	t.Helper()
	reg := envelope.NewRegistry("test-svc")
	if err := reg.Register(testEventType, "stt/en", envelope.WithPayload(func() any { return &asrPayload{} })); err != nil {
		t.Fatal(err)
	}
	return reg
}

// frame encodes a wire payload for the given event type.
func frame(t *testing.T, reg *envelope.Registry, eventType string, payload any) []byte {
	t.Helper()
	raw, err := reg.Encode(eventType, payload, "")
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestDispatcher(t *testing.T, reg *envelope.Registry, timeout time.Duration) *dispatcher {
	t.Helper()
	d := newDispatcher(
		logging.NewNopLogger(),
		reg,
		dedup.New(time.Minute, 128),
		NewMetrics(nil),
		DispatchHooks{},
		timeout,
		4,
	)
	t.Cleanup(d.close)
	return d
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, deadline time.Duration, cond func() bool, msg string) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
