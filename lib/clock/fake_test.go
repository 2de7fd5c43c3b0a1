// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(start)

	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("timer fired %d times before deadline", fired)
	}

	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	// Already fired: further advances must not re-fire.
	c.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after extra advance, want 1", fired)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(start)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop returned false for an active timer")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("Stop returned true for an already-stopped timer")
	}
}

func TestFakeAfterFuncReset(t *testing.T) {
	c := Fake(start)

	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(900 * time.Millisecond)
	if !timer.Reset(time.Second) {
		t.Fatal("Reset returned false for an active timer")
	}

	// The original deadline passes without firing.
	c.Advance(200 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d after reset, want 0", fired)
	}

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestFakeAfterFuncResetAfterStop(t *testing.T) {
	c := Fake(start)

	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })
	timer.Stop()

	if timer.Reset(time.Second) {
		t.Fatal("Reset returned true for a stopped timer")
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want exactly one fire after re-arming", fired)
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(start)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	// A multi-interval advance delivers at most one buffered tick.
	c.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after multi-interval advance")
	}

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("tick delivered after Stop")
	default:
	}
}

func TestFakeNow(t *testing.T) {
	c := Fake(start)
	c.Advance(90 * time.Minute)
	if got, want := c.Now(), start.Add(90*time.Minute); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}
