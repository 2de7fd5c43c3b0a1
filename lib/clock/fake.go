// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called; pending timers and tickers fire in deadline
// order as the clock passes them.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. Safe for concurrent
// use. AfterFunc callbacks run synchronously inside Advance, so a
// callback must not call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
}

// waiter is a pending timer, ticker, or After channel.
type waiter struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc waiters
	callback func()         // nil for channel waiters
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pending := &waiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, pending)

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if pending.stopped || pending.fired {
				return false
			}
			pending.stopped = true
			// Remove immediately so a later Reset re-queues the waiter
			// without duplicating it.
			c.removeLocked(pending)
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !pending.stopped && !pending.fired
			pending.stopped = false
			pending.fired = false
			pending.deadline = c.current.Add(d)
			if !wasActive {
				c.waiters = append(c.waiters, pending)
			}
			return wasActive
		},
	}
}

// NewTicker returns a Ticker that fires once per interval as the
// clock advances. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	pending := &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.waiters = append(c.waiters, pending)

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			pending.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the new time, in deadline order. Ticker
// channel sends are non-blocking: ticks that overflow the one-slot
// buffer are dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, pending := range expired {
			if pending.callback != nil {
				pending.callback()
				continue
			}
			select {
			case pending.channel <- target:
			default:
			}
		}
	}
}

// removeLocked drops a waiter from the pending list. Caller must hold
// c.mu.
func (c *FakeClock) removeLocked(target *waiter) {
	for i, pending := range c.waiters {
		if pending == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// takeExpired removes expired waiters from the pending list and
// returns them. Tickers are rescheduled for their next interval;
// one-shot waiters are marked fired and dropped from the list.
func (c *FakeClock) takeExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*waiter
	var remaining []*waiter
	for _, pending := range c.waiters {
		if pending.stopped {
			continue
		}
		if pending.deadline.After(target) {
			remaining = append(remaining, pending)
			continue
		}
		expired = append(expired, pending)
		if pending.interval > 0 {
			pending.deadline = pending.deadline.Add(pending.interval)
			remaining = append(remaining, pending)
		} else {
			pending.fired = true
		}
	}
	c.waiters = remaining
	return expired
}
