// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds per-class operation volume to contain
// runaway agent behavior, independent of whether policy would allow
// the calls.
//
// Windows are fixed, not sliding: a window is the clock time truncated
// to the window duration, and counters reset when the window changes.
// A burst straddling a window boundary can therefore reach up to twice
// the limit briefly — accepted, because the policy engine still bounds
// what any burst can do, and fixed windows keep the counters O(classes)
// with no timestamp ring buffers.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
)

// Class is an operation class with an independent counter. The Total
// class is checked for every request in addition to its own class.
type Class string

// Total is the catch-all class applied to every request.
const Total Class = "total"

// Config holds the parameters for creating a Limiter.
type Config struct {
	// Window is the fixed window duration. Defaults to one minute.
	Window time.Duration

	// Limits maps classes to their per-window maximum. A class with
	// no entry is unlimited (only the Total class bounds it).
	Limits map[Class]int

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default(). Denials are logged.
	Logger *slog.Logger
}

// Limiter tracks one live window per class. Safe for concurrent use:
// the check and the increment happen under one lock, so concurrent
// requests cannot both sneak under the limit.
type Limiter struct {
	window time.Duration
	limits map[Class]int
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	windows map[Class]*window
}

type window struct {
	start time.Time
	count int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	windowSize := cfg.Window
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := make(map[Class]int, len(cfg.Limits))
	for class, limit := range cfg.Limits {
		limits[class] = limit
	}
	return &Limiter{
		window:  windowSize,
		limits:  limits,
		clock:   clk,
		logger:  logger,
		windows: make(map[Class]*window),
	}
}

// Allow checks and increments the counters for class and Total. A
// denial consumes no quota: the denied request does not count against
// future requests in the same window.
func (l *Limiter) Allow(class Class) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	windowStart := now.Truncate(l.window)

	if !l.hasRoomLocked(class, windowStart) {
		l.logger.Warn("rate limit exceeded", "class", class, "limit", l.limits[class])
		return false
	}
	if class != Total && !l.hasRoomLocked(Total, windowStart) {
		l.logger.Warn("rate limit exceeded", "class", Total, "limit", l.limits[Total])
		return false
	}

	l.incrementLocked(class, windowStart)
	if class != Total {
		l.incrementLocked(Total, windowStart)
	}
	return true
}

// Retryable returns the duration after which the current window ends
// and a retried request could succeed.
func (l *Limiter) Retryable() time.Duration {
	now := l.clock.Now()
	return now.Truncate(l.window).Add(l.window).Sub(now)
}

// hasRoomLocked reports whether class has quota left in the window
// beginning at windowStart. Caller holds l.mu.
func (l *Limiter) hasRoomLocked(class Class, windowStart time.Time) bool {
	limit, limited := l.limits[class]
	if !limited {
		return true
	}
	current := l.windows[class]
	if current == nil || !current.start.Equal(windowStart) {
		return limit > 0
	}
	return current.count < limit
}

// incrementLocked bumps the counter for class, lazily resetting the
// window. Caller holds l.mu.
func (l *Limiter) incrementLocked(class Class, windowStart time.Time) {
	if _, limited := l.limits[class]; !limited {
		return
	}
	current := l.windows[class]
	if current == nil || !current.start.Equal(windowStart) {
		current = &window{start: windowStart}
		l.windows[class] = current
	}
	current.count++
}

// Snapshot returns the current count and limit for a class.
func (l *Limiter) Snapshot(class Class) (count, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit = l.limits[class]
	windowStart := l.clock.Now().Truncate(l.window)
	if current := l.windows[class]; current != nil && current.start.Equal(windowStart) {
		count = current.count
	}
	return count, limit
}

// String describes the configured limits, for startup logging.
func (l *Limiter) String() string {
	return fmt.Sprintf("ratelimit(window=%s, classes=%d)", l.window, len(l.limits))
}
