// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package github is a typed GitHub REST API client scoped to the
// operations the gateway mediates: pull request reads and writes,
// and issue comments. There is deliberately no merge method — merges
// are outside what this system will ever perform.
//
// Authentication is externalized: every request fetches its token from
// a TokenSource, so credential rotation and fail-closed behavior live
// entirely in the credential layer. A 401 is never retried here; it is
// returned to the caller, which owns credential recovery.
//
// The client tracks GitHub's rate limit headers and blocks preemptively
// when the quota is exhausted, and caches ETags so repeated reads of
// the same resource cost no quota.
package github
