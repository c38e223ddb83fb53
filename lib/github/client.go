// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
	"github.com/forgeguard/forgeguard/lib/netutil"
)

// apiVersion is the GitHub REST API version header. Pinning it keeps
// behavior stable as GitHub evolves the API.
const apiVersion = "2022-11-28"

// defaultBaseURL is the base URL for the public GitHub API.
const defaultBaseURL = "https://api.github.com"

// defaultRequestTimeout bounds each API request, headers through body.
// A hung upstream connection must fail the one mediation, not wedge
// the gateway.
const defaultRequestTimeout = 30 * time.Second

// TokenSource supplies the bearer token for each request. Implemented
// by the credential refresher: the client never holds a token beyond
// the request it was fetched for, and never sees the rotation
// machinery behind it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to
	// "https://api.github.com". Must use HTTPS.
	BaseURL string

	// Tokens supplies the bearer token for each request. Required.
	Tokens TokenSource

	// HTTPClient is used for all HTTP requests. A client without its
	// own timeout gets Timeout applied.
	HTTPClient *http.Client

	// Timeout bounds each request, including reading the response
	// body. Defaults to 30s.
	Timeout time.Duration

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a GitHub REST API client with per-request token fetch,
// preemptive rate limit tracking, ETag caching, and structured error
// handling. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	quota      *quotaTracker
	etags      *etagCache
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient creates a Client. Returns an error if no token source is
// configured or the base URL is not HTTPS.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}

	if config.Tokens == nil {
		return nil, fmt.Errorf("github: no token source configured")
	}

	httpClient := boundedHTTPClient(config.HTTPClient, config.Timeout)
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     config.Tokens,
		quota:      newQuotaTracker(clk),
		etags:      newETagCache(),
		clock:      clk,
		logger:     logger,
	}, nil
}

// boundedHTTPClient ensures outbound requests carry a deadline: a nil
// client becomes a fresh one with the timeout, and a client with no
// timeout of its own is shallow-copied and given one. A caller's
// explicit non-zero timeout is kept.
func boundedHTTPClient(httpClient *http.Client, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if httpClient == nil {
		return &http.Client{Timeout: timeout}
	}
	if httpClient.Timeout == 0 {
		bounded := *httpClient
		bounded.Timeout = timeout
		return &bounded
	}
	return httpClient
}

// do executes an authenticated API request against a path relative to
// the base URL. GET requests use ETag caching. Non-GET requests
// JSON-encode requestBody (pass nil for no body). On non-2xx responses
// the error is an *APIError.
func (client *Client) do(ctx context.Context, method, path string, requestBody any) ([]byte, http.Header, error) {
	return client.doWithRetry(ctx, method, path, requestBody, false)
}

// doWithRetry is do with a retry flag to bound recursion: a rate-limited
// response is retried at most once after the documented backoff. A 401
// is NEVER retried — the token was fetched from the source moments ago,
// so rejection means the credential is dead upstream, and the caller's
// credential layer owns recovery.
func (client *Client) doWithRetry(ctx context.Context, method, path string, requestBody any, isRetry bool) ([]byte, http.Header, error) {
	url := client.baseURL + path
	response, err := client.doRaw(ctx, method, url, requestBody)
	if err != nil {
		return nil, nil, err
	}
	defer response.Body.Close()

	// 304 Not Modified: serve the cached body.
	if response.StatusCode == http.StatusNotModified {
		if cached := client.etags.body(url); cached != nil {
			return cached, response.Header, nil
		}
	}

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("github: reading response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		if !isRetry && (response.StatusCode == 429 || (response.StatusCode == 403 && isRateLimitMessage(string(body)))) {
			retryDuration := client.quota.retryAfter(response.Header)
			if retryDuration > 0 {
				client.logger.Info("rate limited, backing off",
					"duration", retryDuration,
					"method", method,
					"path", path,
				)
				select {
				case <-client.clock.After(retryDuration):
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
				return client.doWithRetry(ctx, method, path, requestBody, true)
			}
		}
		return nil, nil, parseAPIErrorFromBody(response.StatusCode, body)
	}

	if method == http.MethodGet {
		if etag := response.Header.Get("ETag"); etag != "" {
			client.etags.put(url, etag, body)
		}
	}

	return body, response.Header, nil
}

// doRaw executes one HTTP request with a freshly fetched token, quota
// waiting, and standard headers, without response parsing. The caller
// closes the response body. Used by do and by PageIterator, which needs
// the Link header before the body is decoded.
func (client *Client) doRaw(ctx context.Context, method, url string, requestBody any) (*http.Response, error) {
	if err := client.quota.wait(ctx); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}

	token, err := client.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("github: fetching token: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", apiVersion)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	if method == http.MethodGet {
		if etag := client.etags.get(url); etag != "" {
			request.Header.Set("If-None-Match", etag)
		}
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, url, err)
	}

	client.quota.update(response.Header)

	return response, nil
}

// get decodes a single-object GET response into result.
func (client *Client) get(ctx context.Context, path string, result any) error {
	body, _, err := client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

// post decodes a POST response into result (nil to discard).
func (client *Client) post(ctx context.Context, path string, requestBody any, result any) error {
	body, _, err := client.do(ctx, http.MethodPost, path, requestBody)
	if err != nil {
		return err
	}
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}

// patch decodes a PATCH response into result (nil to discard).
func (client *Client) patch(ctx context.Context, path string, requestBody any, result any) error {
	body, _, err := client.do(ctx, http.MethodPatch, path, requestBody)
	if err != nil {
		return err
	}
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}

// listOptions is implemented by option structs for paginated list
// endpoints.
type listOptions interface {
	queryParams() string
}

// list creates a PageIterator for a paginated GET endpoint.
func list[T any](client *Client, path string) *PageIterator[T] {
	return &PageIterator[T]{
		client:  client,
		nextURL: client.baseURL + path,
	}
}

// buildListPath appends the option query string to basePath, if any.
func buildListPath(basePath string, options listOptions) string {
	query := options.queryParams()
	if query == "" {
		return basePath
	}
	return basePath + "?" + query
}

// parseAPIError reads a GitHub API error from an HTTP response.
func parseAPIError(response *http.Response) *APIError {
	body, _ := netutil.ReadResponse(response.Body)
	return parseAPIErrorFromBody(response.StatusCode, body)
}

// parseAPIErrorFromBody parses a GitHub API error from a status code
// and response body.
func parseAPIErrorFromBody(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wireError struct {
		Message          string            `json:"message"`
		DocumentationURL string            `json:"documentation_url"`
		Errors           []ValidationError `json:"errors"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Message != "" {
		apiError.Message = wireError.Message
		apiError.DocumentationURL = wireError.DocumentationURL
		apiError.Errors = wireError.Errors
	} else {
		apiError.Message = string(body)
	}

	return apiError
}
