// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package refresher

import (
	"time"

	"github.com/forgeguard/forgeguard/lib/secret"
)

// Credential is a short-lived platform credential. The token value
// lives in an mmap-backed secret buffer owned by this struct; Value
// produces a heap copy only at the API boundary that needs one.
//
// A Credential is owned exclusively by the Refresher once handed to
// it. Callers see token strings, never the Credential itself.
type Credential struct {
	value *secret.Buffer

	// IssuedAt is when the identity provider minted the credential.
	IssuedAt time.Time

	// ExpiresAt is when the credential stops being accepted. Every
	// use checks this against the current time.
	ExpiresAt time.Time

	// Scope describes what the credential can do, as reported by the
	// identity provider. Informational.
	Scope string
}

// NewCredential wraps token bytes in a protected buffer. The source
// slice is zeroed.
func NewCredential(token []byte, issuedAt, expiresAt time.Time, scope string) (*Credential, error) {
	buffer, err := secret.NewFromBytes(token)
	if err != nil {
		return nil, err
	}
	return &Credential{
		value:     buffer,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Scope:     scope,
	}, nil
}

// Value returns the token as a string for use in an Authorization
// header or subprocess environment.
func (c *Credential) Value() string {
	return c.value.String()
}

// Close destroys the token material. Called by the Refresher when the
// credential is replaced or the fail-closed threshold is hit.
func (c *Credential) Close() error {
	return c.value.Close()
}
