// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Channel = (*MemoryChannel)(nil)

// MemoryChannel is an in-process Channel for tests. Emitted events
// are recorded for inspection instead of traveling anywhere; Deliver
// injects inbound events, dispatching them synchronously on the
// calling goroutine so tests observe effects immediately and dispatch
// stays sequential as the Channel contract requires.
type MemoryChannel struct {
	subscriptions *registry

	mu      sync.Mutex
	emitted []Event
}

// NewMemoryChannel creates an in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subscriptions: newRegistry()}
}

// Emit records the event in the emitted log.
func (c *MemoryChannel) Emit(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, Event{Name: name, Payload: raw})
	return nil
}

// Subscribe registers a handler for inbound events with the given
// name.
func (c *MemoryChannel) Subscribe(name string, handler Handler) func() {
	return c.subscriptions.subscribe(name, handler)
}

// Close is a no-op for the in-process channel.
func (c *MemoryChannel) Close() error { return nil }

// Deliver injects an inbound event, invoking subscribed handlers
// before returning. The payload is marshaled the same way a wire
// payload would be.
func (c *MemoryChannel) Deliver(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", name, err)
	}
	c.subscriptions.dispatch(Event{Name: name, Payload: raw})
	return nil
}

// Reconnect simulates a connection loss and recovery by delivering
// the synthetic EventReconnected event.
func (c *MemoryChannel) Reconnect() {
	c.subscriptions.dispatch(Event{Name: EventReconnected})
}

// Emitted returns a snapshot of every event emitted so far.
func (c *MemoryChannel) Emitted() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]Event, len(c.emitted))
	copy(snapshot, c.emitted)
	return snapshot
}

// EmittedNamed returns the emitted events with the given name, in
// emission order.
func (c *MemoryChannel) EmittedNamed(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matching []Event
	for _, event := range c.emitted {
		if event.Name == name {
			matching = append(matching, event)
		}
	}
	return matching
}

// ResetEmitted clears the emitted log.
func (c *MemoryChannel) ResetEmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = nil
}
