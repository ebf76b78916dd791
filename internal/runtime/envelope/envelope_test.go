package envelope

import (
	"errors"
	"strings"
	"testing"

	errspkg "github.com/voicebridge/eventbus/internal/runtime/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry("test-service")
	if err := r.Register("stt.final@v1", "stt/final"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	raw, err := r.Encode("stt.final@v1", map[string]any{"text": "hello"}, "corr-42")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := r.Decode("stt/final", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if env.EventType != "stt.final@v1" {
		t.Errorf("event type = %q, want stt.final@v1", env.EventType)
	}
	if env.CorrelationID != "corr-42" {
		t.Errorf("correlation id = %q, want corr-42", env.CorrelationID)
	}
	if env.Source != "test-service" {
		t.Errorf("source = %q, want test-service", env.Source)
	}
	if env.MessageID == "" {
		t.Error("message id must be generated")
	}
	if env.Timestamp <= 0 {
		t.Error("timestamp must be set")
	}

	var data struct {
		Text string `json:"text"`
	}
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Text != "hello" {
		t.Errorf("data.text = %q, want hello", data.Text)
	}
}

func TestEncodeUnknownEventType(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Encode("nope@v1", nil, "")
	if !errors.Is(err, errspkg.ErrUnknownEventType) {
		t.Fatalf("err = %v, want ErrUnknownEventType", err)
	}
}

func TestDecodeRejectsUnknownTopLevelFields(t *testing.T) {
	r := newTestRegistry(t)

	raw := []byte(`{"message_id":"m1","event_type":"stt.final@v1","timestamp":1.0,"correlation_id":"","source":"x","data":{},"extra_field":true}`)
	_, err := r.Decode("stt/final", raw)

	var decodeErr *errspkg.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if decodeErr.Topic != "stt/final" {
		t.Errorf("decode error topic = %q, want stt/final", decodeErr.Topic)
	}
}

func TestDecodeRejectsMissingEventType(t *testing.T) {
	r := newTestRegistry(t)

	raw := []byte(`{"message_id":"m1","timestamp":1.0,"correlation_id":"","source":"x","data":{}}`)
	if _, err := r.Decode("stt/final", raw); err == nil {
		t.Fatal("expected decode error for missing event_type")
	}
}

func TestDecodeValidatesRegisteredPayloadSchema(t *testing.T) {
	type transcript struct {
		Text string `json:"text"`
	}

	r := NewRegistry("test-service")
	err := r.Register("stt.final@v1", "stt/final", WithPayload(func() any { return &transcript{} }))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	good := []byte(`{"message_id":"m1","event_type":"stt.final@v1","timestamp":1.0,"correlation_id":"","source":"x","data":{"text":"hello"}}`)
	if _, err := r.Decode("stt/final", good); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	drifted := []byte(`{"message_id":"m2","event_type":"stt.final@v1","timestamp":1.0,"correlation_id":"","source":"x","data":{"text":"hello","confidence":0.9}}`)
	_, err = r.Decode("stt/final", drifted)
	if err == nil {
		t.Fatal("payload with unknown fields must be rejected")
	}
	if !strings.Contains(err.Error(), "schema mismatch") {
		t.Errorf("err = %v, want schema mismatch", err)
	}
}

func TestDecodeUnregisteredEventTypePassesThrough(t *testing.T) {
	// Messages for event types this consumer does not know still decode at
	// the envelope level; whether any handler cares is the dispatcher's
	// business.
	r := newTestRegistry(t)

	raw := []byte(`{"message_id":"m1","event_type":"other.event@v2","timestamp":1.0,"correlation_id":"","source":"x","data":{"k":1}}`)
	env, err := r.Decode("other/topic", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.EventType != "other.event@v2" {
		t.Errorf("event type = %q", env.EventType)
	}
}

func TestRegisterDuplicateEventType(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register("stt.final@v1", "elsewhere"); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}

func TestRegisterConcurrentVersions(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register("stt.final@v2", "stt/final2"); err != nil {
		t.Fatalf("registering the next schema version must work: %v", err)
	}

	topic, err := r.ResolveTopic("stt.final@v2")
	if err != nil || topic != "stt/final2" {
		t.Fatalf("resolve v2 = %q, %v", topic, err)
	}
	topic, err = r.ResolveTopic("stt.final@v1")
	if err != nil || topic != "stt/final" {
		t.Fatalf("resolve v1 = %q, %v", topic, err)
	}
}

func TestResolveTopicUnknown(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.ResolveTopic("missing@v1"); !errors.Is(err, errspkg.ErrUnknownEventType) {
		t.Fatalf("err = %v, want ErrUnknownEventType", err)
	}
}

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		version int
	}{
		{"stt.final@v1", "stt.final", 1},
		{"tts.say@v12", "tts.say", 12},
		{"plain", "plain", 0},
		{"odd@", "odd@", 0},
		{"odd@2", "odd@2", 0},
		{"odd@vx", "odd@vx", 0},
	}
	for _, tt := range tests {
		name, version := ParseEventType(tt.in)
		if name != tt.name || version != tt.version {
			t.Errorf("ParseEventType(%q) = (%q, %d), want (%q, %d)", tt.in, name, version, tt.name, tt.version)
		}
	}
}

func TestResponseTopics(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register("tts.say@v1", "tts/say", WithResponseTopic("tts/result")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("tts.stop@v1", "tts/stop", WithResponseTopic("tts/result")); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := r.ResponseTopics()
	if len(got) != 1 || got[0] != "tts/result" {
		t.Fatalf("response topics = %v, want [tts/result]", got)
	}
}
