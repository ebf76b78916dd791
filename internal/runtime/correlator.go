package runtime

import (
	"sync"
	"time"

	"github.com/voicebridge/eventbus/internal/runtime/envelope"
)

// pendingRequest is one in-flight correlated request. The reply channel has
// capacity one so resolution never blocks the dispatch path.
type pendingRequest struct {
	id      string
	created time.Time
	reply   chan *envelope.Envelope
}

// correlator matches response envelopes to waiting requests by correlation
// id. Each id resolves exactly once; late or duplicate responses for an
// already-resolved id are ignored. Entries are removed on resolution,
// timeout, and cancellation alike, so the map never leaks.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingRequest)}
}

// register creates a pending entry and returns its reply channel.
func (c *correlator) register(correlationID string) <-chan *envelope.Envelope {
	req := &pendingRequest{
		id:      correlationID,
		created: time.Now(),
		reply:   make(chan *envelope.Envelope, 1),
	}
	c.mu.Lock()
	c.pending[correlationID] = req
	c.mu.Unlock()
	return req.reply
}

// resolve completes the pending entry matching the envelope's correlation
// id, if one exists.
func (c *correlator) resolve(env *envelope.Envelope) {
	if env.CorrelationID == "" {
		return
	}
	c.mu.Lock()
	req, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()
	if ok {
		req.reply <- env
	}
}

// remove drops a pending entry without resolving it. Called on every
// non-success exit path of a request.
func (c *correlator) remove(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// pendingCount reports the number of unresolved requests.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
