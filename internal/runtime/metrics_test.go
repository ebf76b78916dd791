package runtime

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsPrivateRegistry(t *testing.T) {
	m := NewMetrics(nil)
	if m.gatherer == nil {
		t.Fatal("nil registerer should still produce a gatherer")
	}

	m.received.Inc()
	m.handlerInvocations.WithLabelValues("stt/+").Inc()

	families, err := m.gatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, fam := range families {
		if strings.HasPrefix(fam.GetName(), "eventbus_dispatch_") {
			found[fam.GetName()] = true
		}
	}
	if !found["eventbus_dispatch_messages_received_total"] {
		t.Errorf("received counter not gathered, got %v", found)
	}
	if !found["eventbus_dispatch_handler_invocations_total"] {
		t.Errorf("invocation counter not gathered, got %v", found)
	}
}

func TestNewMetricsIsolatedPerClient(t *testing.T) {
	// Two clients in one process must not trip duplicate-registration
	// panics.
	_ = NewMetrics(nil)
	_ = NewMetrics(nil)
}

func TestNewMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	if m.gatherer != prometheus.Gatherer(reg) {
		t.Error("custom registry not used as gatherer")
	}
}
