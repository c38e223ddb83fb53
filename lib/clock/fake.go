// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called. FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Timers, tickers, and
// sleeps register waiters that fire when Advance moves the clock past
// their deadline. AfterFunc callbacks run synchronously during
// Advance, in deadline order — do not call Advance or Sleep from
// inside a callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

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
	c.add(&waiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f for when the clock advances past the deadline.
// If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}
	w := &waiter{deadline: c.current.Add(d), callback: f}
	c.add(w)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	w := &waiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.add(w)

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		resetFunc: func(interval time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.interval = interval
			w.deadline = c.current.Add(interval)
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline is reached, in deadline order. Tickers are rescheduled.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextDeadline(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		c.fire(next)
	}

	c.current = target
	c.mu.Unlock()
}

// BlockUntil waits until at least n live waiters are registered. Use
// this to synchronize with a goroutine that is about to sleep on the
// fake clock before advancing it.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveWaiters() < n {
		c.changed.Wait()
	}
}

// add registers a waiter. Caller holds c.mu.
func (c *FakeClock) add(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// liveWaiters counts waiters that can still fire. Caller holds c.mu.
func (c *FakeClock) liveWaiters() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}

// nextDeadline returns the earliest live waiter with deadline <= target,
// or nil. Caller holds c.mu.
func (c *FakeClock) nextDeadline(target time.Time) *waiter {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	c.waiters = live

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})

	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}
	return c.waiters[0]
}

// fire delivers one waiter. Caller holds c.mu; the lock is dropped
// around callbacks so they can register new waiters.
func (c *FakeClock) fire(w *waiter) {
	switch {
	case w.interval > 0:
		select {
		case w.channel <- c.current:
		default: // slow consumer, drop the tick
		}
		w.deadline = w.deadline.Add(w.interval)
	case w.channel != nil:
		w.fired = true
		w.channel <- c.current
	default:
		w.fired = true
		callback := w.callback
		c.mu.Unlock()
		callback()
		c.mu.Lock()
	}
}
