// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/forgeguard/forgeguard/lib/secret"
)

// Authenticator checks the pre-shared gateway secret. Only the SHA-256
// of the secret is retained; the comparison hashes the presented value
// and compares digests with crypto/subtle, so timing reveals nothing
// about either length or content.
type Authenticator struct {
	digest [sha256.Size]byte
}

// NewAuthenticator derives the comparison digest from the shared
// secret buffer. The buffer stays owned by the caller.
func NewAuthenticator(sharedSecret *secret.Buffer) (*Authenticator, error) {
	if sharedSecret == nil || sharedSecret.Len() == 0 {
		return nil, fmt.Errorf("gateway: shared secret is required")
	}
	return &Authenticator{digest: sha256.Sum256(sharedSecret.Bytes())}, nil
}

// check validates an Authorization header value. Accepts only
// "Bearer <secret>".
func (auth *Authenticator) check(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	presented := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(presented[:], auth.digest[:]) == 1
}
