// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"sync"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
)

// Fact is a cached ownership observation about a pull request: who
// authored it and whether it is still open. Staleness is bounded by
// the cache TTL — an entry past its TTL is treated as absent.
type Fact struct {
	Author    string // canonical form
	Open      bool
	FetchedAt time.Time
}

// ownershipCache is a TTL cache with per-key single-flight: a miss
// performs exactly one remote lookup per key, and concurrent misses
// for the same key wait on that lookup instead of stampeding the
// platform. Errors are not cached.
type ownershipCache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	done chan struct{} // closed when the lookup completes
	fact *Fact
	err  error
}

func newOwnershipCache(ttl time.Duration, clk clock.Clock) *ownershipCache {
	return &ownershipCache{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]*cacheEntry),
	}
}

// lookup returns the cached fact for key, or runs fetch to populate
// it. The read-check-write is done under the lock, so concurrent
// callers cannot race a stale entry back in.
func (c *ownershipCache) lookup(ctx context.Context, key string, fetch func(context.Context) (*Fact, error)) (*Fact, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		select {
		case <-entry.done:
			// Completed entry: honor it only while fresh and clean.
			if entry.err == nil && c.clock.Now().Sub(entry.fact.FetchedAt) < c.ttl {
				fact := entry.fact
				c.mu.Unlock()
				return fact, nil
			}
			// Stale or failed: fall through and refetch.
		default:
			// In-flight: join it.
			c.mu.Unlock()
			select {
			case <-entry.done:
				return entry.fact, entry.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	entry = &cacheEntry{done: make(chan struct{})}
	c.entries[key] = entry
	c.mu.Unlock()

	fact, err := fetch(ctx)
	if fact != nil {
		fact.FetchedAt = c.clock.Now()
	}
	entry.fact = fact
	entry.err = err
	close(entry.done)

	if err != nil {
		// Do not cache failures: remove the entry so the next request
		// retries, unless a newer lookup already replaced it.
		c.mu.Lock()
		if c.entries[key] == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	return fact, err
}
