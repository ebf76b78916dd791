package runtime

import (
	"sync"
	"time"
)

// ConnState describes the lifecycle of the managed broker connection. It is
// owned exclusively by the Client; everything else reads it through State().
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// HandlerStats tracks per-subscription processing counters.
type HandlerStats struct {
	mu sync.Mutex

	Invocations     uint64        `json:"invocations"`
	Failures        uint64        `json:"failures"`
	Timeouts        uint64        `json:"timeouts"`
	TotalDuration   time.Duration `json:"total_duration_ns"`
	LastProcessedAt time.Time     `json:"last_processed_at"`
}

func (s *HandlerStats) onFinish(duration time.Duration, failed, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Invocations++
	if failed {
		s.Failures++
	}
	if timedOut {
		s.Timeouts++
	}
	s.TotalDuration += duration
	s.LastProcessedAt = time.Now()
}

// Snapshot returns a copy safe to read while dispatch continues.
func (s *HandlerStats) Snapshot() HandlerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return HandlerStats{
		Invocations:     s.Invocations,
		Failures:        s.Failures,
		Timeouts:        s.Timeouts,
		TotalDuration:   s.TotalDuration,
		LastProcessedAt: s.LastProcessedAt,
	}
}

// HandlerInfo describes one registered subscription.
type HandlerInfo struct {
	Filter       string       `json:"filter"`
	QoS          byte         `json:"qos"`
	RegisteredAt time.Time    `json:"registered_at"`
	Stats        HandlerStats `json:"stats"`
}
