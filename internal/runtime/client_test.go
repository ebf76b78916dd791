package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	configpkg "github.com/voicebridge/eventbus/internal/runtime/config"
	"github.com/voicebridge/eventbus/internal/runtime/envelope"
	errspkg "github.com/voicebridge/eventbus/internal/runtime/errors"
	"github.com/voicebridge/eventbus/internal/runtime/jsoncodec"
	"github.com/voicebridge/eventbus/internal/runtime/logging"
	"github.com/voicebridge/eventbus/transport"
	"github.com/voicebridge/eventbus/transport/channel"
)

func testConfig() configpkg.Config {
	return configpkg.Config{
		Transport:         "channel",
		ClientID:          "svc-test",
		HealthTopic:       "svc/test/health",
		HeartbeatTopic:    "svc/test/hb",
		ReconnectMinDelay: 5 * time.Millisecond,
		ReconnectMaxDelay: 20 * time.Millisecond,
		HandlerTimeout:    time.Second,
	}
}

// newTestClient builds a client wired to a private broker so tests cannot
// observe each other's traffic.
func newTestClient(t *testing.T, broker *channel.Broker, conf configpkg.Config) *Client {
	t.Helper()
	c, err := NewClient(conf, nil, ClientDependencies{
		TransportBuilder: func(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Connection, error) {
			return broker.Connect(cfg.GetClientID()), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// startClient runs the supervise loop and waits for the first connect.
func startClient(t *testing.T, c *Client) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(context.Background())
	}()
	t.Cleanup(func() {
		c.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("supervise loop did not stop")
		}
	})
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected }, "initial connect")
}

func TestClientDeliversToWildcardHandler(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.RegisterEventType(testEventType, "stt/en",
		envelope.WithPayload(func() any { return &asrPayload{} })); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var texts []string
	err := c.AddSubscriptionHandler(context.Background(), "stt/+", HandlerFunc(func(ctx context.Context, d *Delivery) error {
		var p asrPayload
		if err := d.Envelope.DecodeData(&p); err != nil {
			return err
		}
		mu.Lock()
		texts = append(texts, p.Text)
		mu.Unlock()
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	startClient(t, c)

	if err := c.Publish(context.Background(), testEventType, &asrPayload{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1 && texts[0] == "hello"
	}, "wildcard delivery")
}

func TestClientPublishWhileDisconnected(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.RegisterEventType(testEventType, "stt/en"); err != nil {
		t.Fatal(err)
	}

	err := c.Publish(context.Background(), testEventType, &asrPayload{Text: "x"})
	if !errors.Is(err, errspkg.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientDropsDuplicateFrames(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.RegisterEventType(testEventType, "stt/en",
		envelope.WithPayload(func() any { return &asrPayload{} })); err != nil {
		t.Fatal(err)
	}

	var invocations atomic.Int64
	if err := c.AddSubscriptionHandler(context.Background(), "stt/+", HandlerFunc(func(ctx context.Context, d *Delivery) error {
		invocations.Add(1)
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	startClient(t, c)

	// Same wire frame twice, as a broker redelivery would produce.
	peer := envelope.NewRegistry("peer-svc")
	if err := peer.Register(testEventType, "stt/en"); err != nil {
		t.Fatal(err)
	}
	raw, err := peer.Encode(testEventType, &asrPayload{Text: "dup"}, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.PublishRaw(context.Background(), "stt/en", raw, 0, false); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return invocations.Load() == 1 }, "first delivery")
	time.Sleep(30 * time.Millisecond)
	if n := invocations.Load(); n != 1 {
		t.Errorf("invocations = %d, want 1", n)
	}
}

func TestClientReconnectReplaysSubscriptions(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	types := map[string]string{
		"asr.final@v1":       "stt/en",
		"intent.detected@v1": "intent/detected",
		"tts.say@v1":         "tts/say",
	}
	for eventType, topic := range types {
		if err := c.RegisterEventType(eventType, topic); err != nil {
			t.Fatal(err)
		}
	}

	var hits sync.Map
	for _, filter := range []string{"stt/+", "intent/#", "tts/say"} {
		filter := filter
		if err := c.AddSubscriptionHandler(context.Background(), filter, HandlerFunc(func(ctx context.Context, d *Delivery) error {
			hits.Store(filter, true)
			return nil
		})); err != nil {
			t.Fatal(err)
		}
	}

	startClient(t, c)

	broker.DropAll()

	// Reconnect replays every filter; once publishes land again each handler
	// must see its topic. Publishes race the reconnect, so retry until the
	// client accepts them.
	waitFor(t, 2*time.Second, func() bool {
		for eventType := range types {
			_ = c.Publish(context.Background(), eventType, &asrPayload{Text: "after"})
		}
		for _, filter := range []string{"stt/+", "intent/#", "tts/say"} {
			if _, ok := hits.Load(filter); !ok {
				return false
			}
		}
		return true
	}, "replayed subscriptions to deliver")
}

func TestClientRetainedHealthStatus(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())
	startClient(t, c)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := broker.Retained("svc/test/health")
		return ok
	}, "retained health status")

	raw, _ := broker.Retained("svc/test/health")
	var status struct {
		OK    bool    `json:"ok"`
		Event string  `json:"event"`
		Error *string `json:"error"`
	}
	if err := jsoncodec.Unmarshal(raw, &status); err != nil {
		t.Fatal(err)
	}
	if !status.OK || status.Event != "connected" {
		t.Errorf("health = %+v", status)
	}
	if status.Error != nil {
		t.Errorf("error = %q, want null", *status.Error)
	}
}

func TestClientHeartbeat(t *testing.T) {
	broker := channel.NewBroker()
	conf := testConfig()
	conf.HeartbeatEnabled = true
	conf.HeartbeatInterval = 10 * time.Millisecond
	c := newTestClient(t, broker, conf)

	// A peer session watches the heartbeat topic directly.
	peer := broker.Connect("peer")
	if err := peer.Subscribe(context.Background(), "svc/test/hb", 0); err != nil {
		t.Fatal(err)
	}

	startClient(t, c)

	select {
	case msg := <-peer.Messages():
		var hb struct {
			OK    bool   `json:"ok"`
			Event string `json:"event"`
		}
		if err := jsoncodec.Unmarshal(msg.Payload, &hb); err != nil {
			t.Fatal(err)
		}
		if !hb.OK || hb.Event != "hb" {
			t.Errorf("heartbeat = %+v", hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat observed")
	}
}

func TestClientRequestResponse(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.RegisterEventType("tts.say@v1", "tts/say",
		envelope.WithPayload(func() any { return &asrPayload{} }),
		envelope.WithResponseTopic("tts/result")); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterEventType("tts.result@v1", "tts/result"); err != nil {
		t.Fatal(err)
	}

	// Responder side: answer requests with the request's correlation id.
	if err := c.AddSubscriptionHandler(context.Background(), "tts/say", HandlerFunc(func(ctx context.Context, d *Delivery) error {
		return c.Respond(ctx, "tts.result@v1", &asrPayload{Text: "done"}, d.Envelope.CorrelationID)
	})); err != nil {
		t.Fatal(err)
	}

	startClient(t, c)

	env, err := c.Request(context.Background(), "tts.say@v1", &asrPayload{Text: "say this"}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var p asrPayload
	if err := env.DecodeData(&p); err != nil {
		t.Fatal(err)
	}
	if p.Text != "done" {
		t.Errorf("response text = %q", p.Text)
	}
	if env.CorrelationID == "" {
		t.Error("response lost its correlation id")
	}
	if n := c.PendingRequests(); n != 0 {
		t.Errorf("pending requests = %d after resolution", n)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.RegisterEventType("tts.say@v1", "tts/say",
		envelope.WithResponseTopic("tts/result")); err != nil {
		t.Fatal(err)
	}

	startClient(t, c)

	start := time.Now()
	_, err := c.Request(context.Background(), "tts.say@v1", &asrPayload{Text: "x"}, 50*time.Millisecond)
	if !errors.Is(err, errspkg.ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if n := c.PendingRequests(); n != 0 {
		t.Errorf("pending requests = %d after timeout", n)
	}
}

func TestClientRequestWithoutResponseTopic(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.RegisterEventType(testEventType, "stt/en"); err != nil {
		t.Fatal(err)
	}
	startClient(t, c)

	_, err := c.Request(context.Background(), testEventType, &asrPayload{Text: "x"}, time.Second)
	if !errors.Is(err, errspkg.ErrNoResponseTopic) {
		t.Fatalf("err = %v, want ErrNoResponseTopic", err)
	}
}

func TestClientStopResolvesPendingRequest(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.RegisterEventType("tts.say@v1", "tts/say",
		envelope.WithResponseTopic("tts/result")); err != nil {
		t.Fatal(err)
	}
	startClient(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "tts.say@v1", &asrPayload{Text: "x"}, time.Minute)
		errc <- err
	}()

	waitFor(t, 2*time.Second, func() bool { return c.PendingRequests() == 1 }, "request in flight")
	c.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, errspkg.ErrClientStopped) {
			t.Fatalf("err = %v, want ErrClientStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve on Stop")
	}
}

func TestClientStopPublishesStoppedHealth(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(context.Background())
	}()
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected }, "initial connect")

	c.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervise loop did not stop")
	}

	if c.State() != StateShuttingDown {
		t.Errorf("state = %v", c.State())
	}
	raw, ok := broker.Retained("svc/test/health")
	if !ok {
		t.Fatal("no retained health status after stop")
	}
	var status struct {
		OK    bool   `json:"ok"`
		Event string `json:"event"`
	}
	if err := jsoncodec.Unmarshal(raw, &status); err != nil {
		t.Fatal(err)
	}
	if status.OK || status.Event != "stopped" {
		t.Errorf("health = %+v", status)
	}
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	_, err := NewClient(configpkg.Config{}, nil, ClientDependencies{})
	var vErr *errspkg.ConfigValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ConfigValidationError", err)
	}
}

func TestClientHandlersSnapshot(t *testing.T) {
	broker := channel.NewBroker()
	c := newTestClient(t, broker, testConfig())

	if err := c.AddSubscriptionHandler(context.Background(), "stt/+", HandlerFunc(func(ctx context.Context, d *Delivery) error {
		return nil
	}), WithSubscribeQoS(1)); err != nil {
		t.Fatal(err)
	}

	infos := c.Handlers()
	if len(infos) != 1 {
		t.Fatalf("handlers = %d", len(infos))
	}
	if infos[0].Filter != "stt/+" || infos[0].QoS != 1 {
		t.Errorf("info = %+v", &infos[0])
	}
	if infos[0].Stats.Invocations != 0 {
		t.Errorf("fresh handler has invocations = %d", infos[0].Stats.Invocations)
	}
}
