// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package gatewayclient is the typed HTTP client for the forgeguard
// gateway socket API. Code running inside the sandbox — agent
// harnesses, helper binaries — uses this client for every git or pull
// request operation.
//
// The client mirrors the gateway's wire format with its own types,
// avoiding an import dependency from sandbox code back into the
// gateway implementation.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Client talks to the gateway over its Unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     string
}

// New creates a Client for the gateway at the given Unix socket path.
// The secret is the pre-shared gateway secret, sent as a bearer token
// on every request.
func New(socketPath string, secret string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
		},
		baseURL: "http://gateway",
		secret:  secret,
	}
}

// NewForTesting creates a Client against an arbitrary base URL with
// the default transport. Used by tests with httptest servers, and by
// deployments that expose the gateway on TCP.
func NewForTesting(baseURL string, secret string) *Client {
	return &Client{
		httpClient: http.DefaultClient,
		baseURL:    baseURL,
		secret:     secret,
	}
}

// GatewayError is a failed mediation: the gateway answered, and the
// answer was no.
type GatewayError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (err *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s: %s", err.Kind, err.Message)
}

// errorKindIs reports whether err is a *GatewayError of the given kind.
func errorKindIs(err error, kind string) bool {
	var gatewayErr *GatewayError
	return errors.As(err, &gatewayErr) && gatewayErr.Kind == kind
}

// IsPolicyDenied reports whether the operation was refused by policy.
func IsPolicyDenied(err error) bool { return errorKindIs(err, "policy_denied") }

// IsRateLimited reports whether the operation exceeded its budget.
func IsRateLimited(err error) bool { return errorKindIs(err, "rate_limited") }

// IsCredentialUnavailable reports whether the gateway is fail-closed
// without a platform credential.
func IsCredentialUnavailable(err error) bool { return errorKindIs(err, "credential_unavailable") }

// envelope is the gateway's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *GatewayError   `json:"error,omitempty"`
}

// PushRequest mirrors POST /v1/push.
type PushRequest struct {
	RepoPath string `json:"repo_path"`
	Remote   string `json:"remote"`
	Refspec  string `json:"refspec"`
	Force    bool   `json:"force,omitempty"`
}

// FetchRequest mirrors POST /v1/fetch.
type FetchRequest struct {
	RepoPath string   `json:"repo_path"`
	Remote   string   `json:"remote"`
	Refspecs []string `json:"refspecs,omitempty"`
	Prune    bool     `json:"prune,omitempty"`
}

// GitResult is the outcome of a mediated git invocation.
type GitResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// PRCreateRequest mirrors POST /v1/pr/create.
type PRCreateRequest struct {
	Repo  string `json:"repo"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Base  string `json:"base"`
	Head  string `json:"head"`
	Draft bool   `json:"draft,omitempty"`
}

// PRCommentRequest mirrors POST /v1/pr/comment.
type PRCommentRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
	Body     string `json:"body"`
}

// PREditRequest mirrors POST /v1/pr/edit. Nil fields are untouched.
type PREditRequest struct {
	Repo     string  `json:"repo"`
	PRNumber int     `json:"pr_number"`
	Title    *string `json:"title,omitempty"`
	Body     *string `json:"body,omitempty"`
}

// PRCloseRequest mirrors POST /v1/pr/close.
type PRCloseRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
}

// CommentResult identifies a posted comment.
type CommentResult struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
}

// PRResult identifies a pull request after a successful operation.
type PRResult struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

// ExecuteRequest mirrors POST /v1/execute.
type ExecuteRequest struct {
	RepoPath    string   `json:"repo_path"`
	Args        []string `json:"args"`
	RequireAuth bool     `json:"require_auth,omitempty"`
}

// Health is the gateway's self-report.
type Health struct {
	Status          string `json:"status"`
	CredentialValid bool   `json:"credential_valid"`
}

// Push pushes a refspec through the gateway.
func (client *Client) Push(ctx context.Context, request PushRequest) (*GitResult, error) {
	var result GitResult
	if err := client.post(ctx, "/v1/push", request, &result); err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	return &result, nil
}

// Fetch fetches from a remote through the gateway.
func (client *Client) Fetch(ctx context.Context, request FetchRequest) (*GitResult, error) {
	var result GitResult
	if err := client.post(ctx, "/v1/fetch", request, &result); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return &result, nil
}

// CreatePR opens a pull request.
func (client *Client) CreatePR(ctx context.Context, request PRCreateRequest) (*PRResult, error) {
	var result PRResult
	if err := client.post(ctx, "/v1/pr/create", request, &result); err != nil {
		return nil, fmt.Errorf("pr create: %w", err)
	}
	return &result, nil
}

// CommentPR adds a comment to a pull request the agent owns.
func (client *Client) CommentPR(ctx context.Context, request PRCommentRequest) (*CommentResult, error) {
	var result CommentResult
	if err := client.post(ctx, "/v1/pr/comment", request, &result); err != nil {
		return nil, fmt.Errorf("pr comment: %w", err)
	}
	return &result, nil
}

// EditPR updates the title or body of a pull request the agent owns.
func (client *Client) EditPR(ctx context.Context, request PREditRequest) (*PRResult, error) {
	var result PRResult
	if err := client.post(ctx, "/v1/pr/edit", request, &result); err != nil {
		return nil, fmt.Errorf("pr edit: %w", err)
	}
	return &result, nil
}

// ClosePR closes a pull request the agent owns.
func (client *Client) ClosePR(ctx context.Context, request PRCloseRequest) (*PRResult, error) {
	var result PRResult
	if err := client.post(ctx, "/v1/pr/close", request, &result); err != nil {
		return nil, fmt.Errorf("pr close: %w", err)
	}
	return &result, nil
}

// Execute runs a read-only git command through the gateway.
func (client *Client) Execute(ctx context.Context, request ExecuteRequest) (*GitResult, error) {
	var result GitResult
	if err := client.post(ctx, "/v1/execute", request, &result); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return &result, nil
}

// Health fetches the gateway health report. Needs no secret, but
// sending it is harmless.
func (client *Client) Health(ctx context.Context) (*Health, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}

	var result Health
	if err := client.do(httpRequest, &result); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &result, nil
}

func (client *Client) post(ctx context.Context, path string, request any, result any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+client.secret)

	return client.do(httpRequest, result)
}

func (client *Client) do(httpRequest *http.Request, result any) error {
	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	var wrapped envelope
	if err := json.NewDecoder(response.Body).Decode(&wrapped); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", response.StatusCode, err)
	}
	if !wrapped.Success {
		if wrapped.Error != nil {
			return wrapped.Error
		}
		return fmt.Errorf("gateway: HTTP %d without error detail", response.StatusCode)
	}
	if result != nil && len(wrapped.Result) > 0 {
		if err := json.Unmarshal(wrapped.Result, result); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}
