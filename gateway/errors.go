// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "net/http"

// ErrorKind classifies gateway failures for callers. The kind decides
// both the HTTP status and whether the caller may retry.
type ErrorKind string

const (
	// KindValidation: the request body is malformed or names
	// something outside the mediated surface. Not retryable as-is.
	KindValidation ErrorKind = "validation_error"

	// KindAuthentication: missing or wrong gateway secret. Fatal for
	// the caller.
	KindAuthentication ErrorKind = "authentication_error"

	// KindPolicyDenied: the policy engine said no, with a reason.
	// Never auto-retried; the agent must change what it is asking.
	KindPolicyDenied ErrorKind = "policy_denied"

	// KindRateLimited: over the per-class or total window limit.
	// Retryable after the window.
	KindRateLimited ErrorKind = "rate_limited"

	// KindCredentialUnavailable: the refresher is fail-closed or the
	// platform rejected the credential. Nothing that needs a token
	// can proceed.
	KindCredentialUnavailable ErrorKind = "credential_unavailable"

	// KindPlatform: the remote platform rejected the operation for
	// its own reasons (conflict, validation, not found).
	KindPlatform ErrorKind = "platform_error"

	// KindInternal: a gateway bug or local infrastructure failure.
	KindInternal ErrorKind = "internal_error"
)

// httpStatus maps an error kind to its response status. Policy denials
// and rate limits are successful mediations with a negative answer, so
// they travel as 200 with success=false; the HTTP layer is reserved
// for transport and infrastructure failures.
func httpStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPolicyDenied, KindRateLimited:
		return http.StatusOK
	case KindCredentialUnavailable:
		return http.StatusServiceUnavailable
	case KindPlatform:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
