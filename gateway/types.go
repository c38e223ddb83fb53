// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "encoding/json"

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries a classified failure.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// PushRequest asks for a git push to a remote.
type PushRequest struct {
	RepoPath string `json:"repo_path"`
	Remote   string `json:"remote"`
	Refspec  string `json:"refspec"`
	Force    bool   `json:"force,omitempty"`
}

// FetchRequest asks for a git fetch from a remote.
type FetchRequest struct {
	RepoPath string   `json:"repo_path"`
	Remote   string   `json:"remote"`
	Refspecs []string `json:"refspecs,omitempty"`
	Prune    bool     `json:"prune,omitempty"`
}

// GitResult is the outcome of a git subprocess run.
type GitResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// PRCreateRequest opens a pull request.
type PRCreateRequest struct {
	Repo  string `json:"repo"` // "owner/name"
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Base  string `json:"base"`
	Head  string `json:"head"`
	Draft bool   `json:"draft,omitempty"`
}

// PRCommentRequest comments on a pull request.
type PRCommentRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
	Body     string `json:"body"`
}

// PREditRequest edits a pull request's title and/or body. Nil fields
// are left untouched.
type PREditRequest struct {
	Repo     string  `json:"repo"`
	PRNumber int     `json:"pr_number"`
	Title    *string `json:"title,omitempty"`
	Body     *string `json:"body,omitempty"`
}

// PRCloseRequest closes a pull request without merging.
type PRCloseRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
}

// CommentResult identifies a posted comment.
type CommentResult struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
}

// PRResult is the platform's view of a pull request after a write.
type PRResult struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

// ExecuteRequest runs a read-only git command in the working
// repository.
type ExecuteRequest struct {
	RepoPath string   `json:"repo_path"`
	Args     []string `json:"args"`

	// RequireAuth injects the platform credential into the subprocess
	// environment, for read-only commands that touch the remote
	// (ls-remote against a private repository).
	RequireAuth bool `json:"require_auth,omitempty"`
}

// HealthResponse reports liveness and credential state. Served without
// authentication.
type HealthResponse struct {
	Status          string `json:"status"`
	CredentialValid bool   `json:"credential_valid"`
}
