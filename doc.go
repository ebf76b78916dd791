// Package eventbus is the managed event-bus client and dispatch runtime
// shared by every service in the system: one supervised connection to a
// publish/subscribe broker, typed JSON message envelopes, automatic
// reconnection with subscription replay, health and heartbeat reporting,
// duplicate suppression, and a bounded-concurrency dispatch loop routing
// inbound messages to handlers.
//
// Client owns the connection lifecycle and exposes the full calling surface:
// RegisterEventType maps logical event types to topics, AddSubscriptionHandler
// attaches handlers to topic filters (MQTT `+`/`#` wildcards supported),
// Publish emits envelopes, and Request turns publish-then-await-reply into a
// single call correlated by id. A minimal setup fills Config, creates a
// Client, registers event types and handlers, and calls Start.
//
// # Transports
//
// Two transports ship out of the box:
//   - mqtt: a real broker session via the Eclipse Paho client
//   - channel: an in-memory broker for tests and local development,
//     including forced-drop controls for exercising reconnect paths
//
// Custom backends register themselves with the transport registry; the
// runtime never touches a connection except through the transport interface.
//
// # Failure semantics
//
// Transient broker outages are invisible to callers: the client reconnects
// with bounded exponential backoff forever, replays every registered
// subscription, and republishes its retained health status. Only two
// failures surface above this package: a correlated request timing out and a
// publish attempted while disconnected. Decode failures, duplicate
// deliveries, and handler errors or timeouts are logged, counted in the
// Prometheus collectors, and absorbed.
package eventbus
