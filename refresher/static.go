// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package refresher

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
)

// staticLifetime is the synthetic expiry assigned to static tokens.
// Long enough that the rotation loop effectively never fires, short
// enough to avoid time overflow arithmetic.
const staticLifetime = 365 * 24 * time.Hour

// StaticExchanger serves a fixed token (a personal access token in
// development deployments). Exchange mints a copy with a far-future
// expiry, so the Refresher's rotation machinery stays dormant.
type StaticExchanger struct {
	token []byte
	clock clock.Clock
}

// NewStaticExchanger creates an exchanger for a fixed token. The
// source slice is copied; the caller keeps ownership of the original.
func NewStaticExchanger(token []byte, clk clock.Clock) (*StaticExchanger, error) {
	if len(token) == 0 {
		return nil, fmt.Errorf("refresher: static token is empty")
	}
	if clk == nil {
		clk = clock.Real()
	}
	copied := make([]byte, len(token))
	copy(copied, token)
	return &StaticExchanger{token: copied, clock: clk}, nil
}

// Exchange returns a credential wrapping the fixed token.
func (e *StaticExchanger) Exchange(context.Context) (*Credential, error) {
	now := e.clock.Now()
	// NewCredential zeros its input, and Exchange may be called more
	// than once, so hand it a fresh copy each time.
	value := make([]byte, len(e.token))
	copy(value, e.token)
	return NewCredential(value, now, now.Add(staticLifetime), "static")
}

var _ Exchanger = (*StaticExchanger)(nil)
