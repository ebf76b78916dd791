/*
Package runtime implements the core of the event bus client.

# Architecture Overview

The runtime supervises one broker connection and layers delivery semantics on
top of it: reconnect with bounded exponential backoff, subscription replay,
health and heartbeat publication, duplicate suppression, ordered per-subscriber
dispatch with bounded concurrency, and request/response correlation.

# Package Structure

## Client lifecycle (client.go)

Client owns the connection state machine (disconnected, connecting, connected,
reconnecting, shutting down) and is the only component that touches the
transport connection. Start runs the supervise loop: build a connection via
the transport registry, replay every registered subscription in registration
order, publish retained health, start the heartbeat task, then drain inbound
frames into the dispatcher until the connection ends. Connect failures and
connection losses re-enter backoff; attempts are unbounded in count.

## Dispatch (dispatcher.go)

The dispatcher routes each inbound frame through decode, dedup, and wildcard
filter matching, then enqueues it to every matching subscription. Each
subscription owns a serial worker goroutine, preserving arrival order for a
single subscriber, while a shared semaphore bounds concurrency across
subscriptions. Handler errors, panics, and timeouts are isolated: logged with
topic and message id context, counted, and never propagated.

## Correlation (correlator.go)

The correlator backs Client.Request: a pending map keyed by correlation id,
resolved by a single dispatcher-level handler per response topic. Each id
resolves exactly once; entries are removed on resolution, timeout, and
cancellation alike.

## Health (health.go)

Retained per-service health statuses on connect, disconnect, and stop, plus
the periodic non-retained heartbeat. Heartbeat publish failures are retried
next tick and never escalate to reconnection.

## Supporting packages

  - config: client configuration, defaults, validation, YAML loading
  - envelope: wire envelope and the event-type to topic registry
  - dedup: bounded TTL cache behind duplicate suppression
  - logging, ids, jsoncodec, errors: shared leaf concerns
*/
package runtime
