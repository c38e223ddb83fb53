// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package refresher maintains the gateway's platform credential. It
// caches the current short-lived credential, rotates it proactively
// before expiry from a background loop, collapses concurrent refresh
// attempts into one exchange (single-flight), and fails closed after
// repeated refresh failures: the cached credential is destroyed and
// the gateway refuses work rather than use an unverifiable token.
//
// The credential is reachable only through Token and Valid. No other
// component reads or writes it.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
)

// ErrCredentialUnavailable is returned by Token when no valid
// credential exists: the refresher is fail-closed, or the refresh the
// caller joined did not produce a usable credential. Callers surface
// this as a server error, never as a policy denial.
var ErrCredentialUnavailable = errors.New("refresher: no valid credential available")

// Exchanger obtains a fresh credential from the identity provider.
// Implementations are stateless; caching and rotation belong to the
// Refresher.
type Exchanger interface {
	Exchange(ctx context.Context) (*Credential, error)
}

// Config holds the parameters for creating a Refresher. Exchanger is
// required; everything else has conservative defaults.
type Config struct {
	Exchanger Exchanger

	// Margin is how far before expiry the credential is rotated.
	// Default 15 minutes (a quarter of GitHub's 1-hour token TTL).
	Margin time.Duration

	// FailureThreshold is the consecutive-failure count at which the
	// cached credential is destroyed (fail-closed). Default 3.
	FailureThreshold int

	// RetryBackoff is the base delay between background retries after
	// a failure, doubling per consecutive failure. Default 30s.
	RetryBackoff time.Duration

	// RetryBackoffMax caps the retry delay. Default 5 minutes.
	RetryBackoffMax time.Duration

	// ExchangeTimeout bounds a single identity-provider round-trip.
	// Default 30s.
	ExchangeTimeout time.Duration

	// Clock defaults to clock.Real(). Tests inject clock.Fake.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Refresher owns the current credential. Safe for concurrent use.
type Refresher struct {
	exchanger       Exchanger
	margin          time.Duration
	threshold       int
	backoff         time.Duration
	backoffMax      time.Duration
	exchangeTimeout time.Duration
	clock           clock.Clock
	logger          *slog.Logger

	// wake nudges the background loop out of its sleep, e.g. after
	// the platform rejected a token mid-call. Buffered; extra wakes
	// coalesce.
	wake chan struct{}

	mu          sync.Mutex
	credential  *Credential
	failures    int
	lastSuccess time.Time
	inflight    *refreshCall
}

// refreshCall is one in-flight refresh that concurrent callers join.
type refreshCall struct {
	done chan struct{}
	err  error
}

// New creates a Refresher. It performs no I/O; call Run to start the
// background rotation loop.
func New(cfg Config) (*Refresher, error) {
	if cfg.Exchanger == nil {
		return nil, fmt.Errorf("refresher: Exchanger is required")
	}

	r := &Refresher{
		exchanger:       cfg.Exchanger,
		margin:          cfg.Margin,
		threshold:       cfg.FailureThreshold,
		backoff:         cfg.RetryBackoff,
		backoffMax:      cfg.RetryBackoffMax,
		exchangeTimeout: cfg.ExchangeTimeout,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		wake:            make(chan struct{}, 1),
	}
	if r.margin <= 0 {
		r.margin = 15 * time.Minute
	}
	if r.threshold <= 0 {
		r.threshold = 3
	}
	if r.backoff <= 0 {
		r.backoff = 30 * time.Second
	}
	if r.backoffMax <= 0 {
		r.backoffMax = 5 * time.Minute
	}
	if r.exchangeTimeout <= 0 {
		r.exchangeTimeout = 30 * time.Second
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Token returns the current credential value. The cached credential is
// served while it has more than the refresh margin of life left;
// otherwise the caller triggers or joins the single in-flight refresh
// and waits for it. In the fail-closed state Token fails outright —
// only the background loop's retries can recover.
//
// Token never returns an expired credential.
func (r *Refresher) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	now := r.clock.Now()

	if r.failures >= r.threshold {
		r.mu.Unlock()
		return "", ErrCredentialUnavailable
	}

	if r.credential != nil && now.Before(r.credential.ExpiresAt.Add(-r.margin)) {
		value := r.credential.Value()
		r.mu.Unlock()
		return value, nil
	}

	call := r.startOrJoinRefreshLocked()
	r.mu.Unlock()

	select {
	case <-call.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now = r.clock.Now()
	if r.credential != nil && now.Before(r.credential.ExpiresAt) && r.failures < r.threshold {
		// Either the refresh succeeded, or it failed but the previous
		// credential is still within its hard expiry and the failure
		// count has not hit the threshold.
		return r.credential.Value(), nil
	}
	if call.err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialUnavailable, call.err)
	}
	return "", ErrCredentialUnavailable
}

// Valid reports whether a non-expired credential is currently cached.
// Used by the health endpoint; reveals nothing about the value.
func (r *Refresher) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.credential != nil && r.clock.Now().Before(r.credential.ExpiresAt)
}

// LastSuccess returns the time of the most recent successful refresh,
// zero if none has succeeded yet.
func (r *Refresher) LastSuccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccess
}

// Wake nudges the background loop to refresh ahead of schedule. Called
// when the platform rejects a token mid-call (the margin makes this
// rare, not impossible). Never blocks.
func (r *Refresher) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run is the background rotation loop: refresh at expiry minus margin,
// back off after failures, wake early on demand. Blocks until ctx is
// cancelled. Start it in its own goroutine.
func (r *Refresher) Run(ctx context.Context) {
	for {
		wait := r.nextWait()
		if wait > 0 {
			select {
			case <-r.clock.After(wait):
			case <-r.wake:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		call := r.startOrJoinRefreshLocked()
		r.mu.Unlock()

		select {
		case <-call.done:
		case <-ctx.Done():
			return
		}
	}
}

// nextWait computes how long the loop should sleep before the next
// refresh attempt.
func (r *Refresher) nextWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures > 0 {
		delay := r.backoff << (r.failures - 1)
		if delay > r.backoffMax || delay <= 0 {
			delay = r.backoffMax
		}
		return delay
	}
	if r.credential != nil {
		return r.credential.ExpiresAt.Add(-r.margin).Sub(r.clock.Now())
	}
	// No credential yet: refresh immediately.
	return 0
}

// startOrJoinRefreshLocked returns the in-flight refresh, starting one
// if none is running. Caller holds r.mu.
func (r *Refresher) startOrJoinRefreshLocked() *refreshCall {
	if r.inflight != nil {
		return r.inflight
	}
	call := &refreshCall{done: make(chan struct{})}
	r.inflight = call
	go r.refresh(call)
	return call
}

// refresh performs one credential exchange and publishes the result.
// Exactly one refresh executes at a time.
func (r *Refresher) refresh(call *refreshCall) {
	ctx, cancel := context.WithTimeout(context.Background(), r.exchangeTimeout)
	credential, err := r.exchanger.Exchange(ctx)
	cancel()

	r.mu.Lock()
	if err != nil {
		r.failures++
		r.logger.Warn("credential refresh failed",
			"error", err,
			"consecutive_failures", r.failures,
		)
		if r.failures >= r.threshold && r.credential != nil {
			// Fail closed: destroy the cached credential. Requests
			// fail from here until a refresh succeeds.
			r.credential.Close()
			r.credential = nil
			r.logger.Error("refresh failure threshold reached, credential cleared",
				"threshold", r.threshold,
			)
		}
	} else {
		if r.credential != nil {
			r.credential.Close()
		}
		r.credential = credential
		r.failures = 0
		r.lastSuccess = r.clock.Now()
		r.logger.Info("credential refreshed",
			"expires_at", credential.ExpiresAt,
			"scope", credential.Scope,
		)
	}
	call.err = err
	r.inflight = nil
	close(call.done)
	r.mu.Unlock()
}
