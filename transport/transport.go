// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the event channel connecting a chatwire
// client to its server: a publish/subscribe surface over named events
// that hides the physical connection and its reconnect/backoff cycle.
//
// The production implementation is [WebSocketChannel]. Emits are
// fire-and-forget: while the connection is down they are dropped
// silently, so consumers must treat their own state as authoritative
// and make inbound-event handling idempotent. Inbound events are
// dispatched to subscribers sequentially on a single goroutine, in
// arrival order — handlers never run concurrently with each other.
//
// After every successful reconnect the channel delivers the synthetic
// [EventReconnected] event. Components that announced state to the
// server (such as conversation membership) subscribe to it and
// re-announce.
//
// [MemoryChannel] is the in-process implementation for tests.
package transport

import (
	"encoding/json"
	"sync"
)

// EventReconnected is the synthetic event delivered to subscribers
// after the channel re-establishes a lost connection. Its payload is
// empty. It never travels on the wire.
const EventReconnected = "channel:reconnected"

// Event is the wire envelope for a named event.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives the payload of one inbound event. Handlers are
// invoked sequentially in arrival order and must not block: a slow
// handler stalls dispatch for the whole client.
type Handler func(payload json.RawMessage)

// Channel is the event channel surface shared by all chatwire
// components.
type Channel interface {
	// Emit publishes a named event. Fire-and-forget: delivery is not
	// acknowledged, and while the channel is disconnected the event
	// is dropped. The returned error reports payload marshaling
	// failures only.
	Emit(name string, payload any) error

	// Subscribe registers a handler for inbound events with the
	// given name. The returned function removes the registration;
	// it is safe to call more than once.
	Subscribe(name string, handler Handler) (unsubscribe func())

	// Close tears the channel down. Pending emits are not flushed.
	Close() error
}

// registry holds event-name subscriptions. Shared by the websocket
// and memory channel implementations.
type registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
}

type subscription struct {
	id      uint64
	handler Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]subscription)}
}

func (r *registry) subscribe(name string, handler Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[name] = append(r.handlers[name], subscription{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		registered := r.handlers[name]
		for i, sub := range registered {
			if sub.id == id {
				r.handlers[name] = append(registered[:i:i], registered[i+1:]...)
				return
			}
		}
	}
}

// dispatch invokes every handler registered for the event, in
// registration order. The caller is responsible for serializing
// dispatch calls.
func (r *registry) dispatch(event Event) {
	r.mu.RLock()
	registered := make([]subscription, len(r.handlers[event.Name]))
	copy(registered, r.handlers[event.Name])
	r.mu.RUnlock()

	for _, sub := range registered {
		sub.handler(event.Payload)
	}
}
