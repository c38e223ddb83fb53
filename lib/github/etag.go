// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package github

import "sync"

// etagEntry holds a cached response for a URL.
type etagEntry struct {
	etag string
	body []byte
}

// etagCache stores ETag and body per URL for conditional GET requests.
// A 304 Not Modified response is served from this cache and costs no
// rate limit quota. The policy engine re-reads the same pull requests
// on every ownership check, so in practice most reads hit here.
//
// No eviction: the cache lives for the duration of the Client and is
// bounded by the number of distinct URLs queried.
type etagCache struct {
	mu      sync.Mutex
	entries map[string]etagEntry
}

func newETagCache() *etagCache {
	return &etagCache{entries: make(map[string]etagEntry)}
}

// get returns the cached ETag for a URL, or "" if not cached.
func (cache *etagCache) get(url string) string {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.entries[url].etag
}

// body returns the cached response body for a URL, or nil if not cached.
func (cache *etagCache) body(url string) []byte {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.entries[url].body
}

// put stores an ETag and response body for a URL.
func (cache *etagCache) put(url string, etag string, body []byte) {
	if etag == "" {
		return
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.entries[url] = etagEntry{etag: etag, body: body}
}
