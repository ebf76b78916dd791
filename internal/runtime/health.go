package runtime

import (
	"context"
	"time"

	"github.com/voicebridge/eventbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/voicebridge/eventbus/internal/runtime/logging"
	"github.com/voicebridge/eventbus/transport"
)

// healthStatus is the retained per-service liveness document. Error is a
// pointer so the wire form carries an explicit null when there is nothing to
// report.
type healthStatus struct {
	OK        bool    `json:"ok"`
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
	Error     *string `json:"error"`
}

// heartbeat is the non-retained periodic keepalive document.
type heartbeat struct {
	OK        bool    `json:"ok"`
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// publishHealth emits a retained liveness status. Best effort: a failed
// publish is logged and otherwise ignored, because the states that most need
// reporting are exactly the ones where the connection may already be gone.
func (c *Client) publishHealth(ctx context.Context, conn transport.Connection, ok bool, event string, cause error) {
	status := healthStatus{
		OK:        ok,
		Event:     event,
		Timestamp: nowSeconds(),
	}
	if cause != nil {
		msg := cause.Error()
		status.Error = &msg
	}

	payload, err := jsoncodec.Marshal(status)
	if err != nil {
		c.logger.Error("failed to marshal health status", err, nil)
		return
	}
	if err := conn.Publish(ctx, c.conf.HealthTopic, payload, 1, true); err != nil {
		c.logger.Debug("health publish failed", loggingpkg.LogFields{
			"event": event,
			"error": err.Error(),
		})
	}
}

// heartbeatLoop publishes the keepalive on a fixed interval until ctx is
// cancelled. A failed publish is logged and retried next tick; only real
// transport errors observed by the drain loop trigger reconnection.
func (c *Client) heartbeatLoop(ctx context.Context, conn transport.Connection) {
	ticker := time.NewTicker(c.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, err := jsoncodec.Marshal(heartbeat{
			OK:        true,
			Event:     "hb",
			Timestamp: nowSeconds(),
		})
		if err != nil {
			c.logger.Error("failed to marshal heartbeat", err, nil)
			continue
		}
		if err := conn.Publish(ctx, c.conf.HeartbeatTopic, payload, 0, false); err != nil {
			c.logger.Debug("heartbeat publish failed, will retry next tick", loggingpkg.LogFields{
				"error": err.Error(),
			})
		}
	}
}
