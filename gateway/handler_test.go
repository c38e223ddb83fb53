// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgeguard/forgeguard/lib/audit"
	"github.com/forgeguard/forgeguard/lib/clock"
	"github.com/forgeguard/forgeguard/lib/github"
	"github.com/forgeguard/forgeguard/policy"
	"github.com/forgeguard/forgeguard/ratelimit"
	"github.com/forgeguard/forgeguard/refresher"
)

const testSecret = "handler-test-secret"

// fakePlatform backs the policy engine with canned ownership facts.
type fakePlatform struct {
	pulls    map[string]*policy.PullInfo // "owner/repo#3"
	branches map[string]*policy.PullInfo // "owner/repo@branch"
}

func (f *fakePlatform) PullRequest(_ context.Context, owner, repo string, number int) (*policy.PullInfo, error) {
	return f.pulls[fmt.Sprintf("%s/%s#%d", owner, repo, number)], nil
}

func (f *fakePlatform) OpenPullForBranch(_ context.Context, owner, repo, branch string) (*policy.PullInfo, error) {
	return f.branches[fmt.Sprintf("%s/%s@%s", owner, repo, branch)], nil
}

// stubExchanger mints a fixed credential, or fails.
type stubExchanger struct {
	clk  clock.Clock
	fail bool
}

func (s *stubExchanger) Exchange(context.Context) (*refresher.Credential, error) {
	if s.fail {
		return nil, fmt.Errorf("identity provider unreachable")
	}
	now := s.clk.Now()
	return refresher.NewCredential([]byte("ghs_testtoken"), now, now.Add(time.Hour), "contents:write")
}

type testHarness struct {
	handler   *Handler
	audit     *audit.Store
	reposRoot string
	repoDir   string
	github    *httptest.Server
}

type harnessOptions struct {
	platform   *fakePlatform
	limits     map[ratelimit.Class]int
	failTokens bool
	githubMux  *http.ServeMux
}

func newHarness(t *testing.T, options harnessOptions) *testHarness {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if options.platform == nil {
		options.platform = &fakePlatform{}
	}
	if options.limits == nil {
		options.limits = map[ratelimit.Class]int{ratelimit.Total: 100}
	}
	if options.githubMux == nil {
		options.githubMux = http.NewServeMux()
	}

	githubServer := httptest.NewTLSServer(options.githubMux)
	t.Cleanup(githubServer.Close)

	identities, err := policy.NewIdentities("forgebot", []string{"forgebot[bot]"})
	if err != nil {
		t.Fatalf("NewIdentities: %v", err)
	}
	engine, err := policy.New(policy.Config{
		Identities: identities,
		Reader:     options.platform,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	tokens, err := refresher.New(refresher.Config{
		Exchanger: &stubExchanger{clk: clk, fail: options.failTokens},
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("refresher.New: %v", err)
	}

	auditStore, err := audit.Open(audit.Config{
		Path:  filepath.Join(t.TempDir(), "audit.db"),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditStore.Close() })

	client, err := github.NewClient(github.Config{
		BaseURL:    githubServer.URL,
		Tokens:     tokenFunc(func(ctx context.Context) (string, error) { return tokens.Token(ctx) }),
		HTTPClient: githubServer.Client(),
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("github.NewClient: %v", err)
	}

	reposRoot := t.TempDir()
	repoDir := filepath.Join(reposRoot, "project")
	if err := os.Mkdir(repoDir, 0o755); err != nil {
		t.Fatalf("creating repo dir: %v", err)
	}

	handler, err := NewHandler(HandlerConfig{
		Auth:    newTestAuthenticator(t, testSecret),
		Engine:  engine,
		Limiter: ratelimit.New(ratelimit.Config{Limits: options.limits, Clock: clk}),
		Audit:   auditStore,
		Tokens:  tokens,
		Client:  client,

		ReposRoot: reposRoot,
		GitHost:   "github.com",
		Actor:     "forgebot",
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	return &testHarness{
		handler:   handler,
		audit:     auditStore,
		reposRoot: reposRoot,
		repoDir:   repoDir,
		github:    githubServer,
	}
}

type tokenFunc func(ctx context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

func (h *testHarness) post(t *testing.T, path string, body any, authorized bool) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	if authorized {
		request.Header.Set("Authorization", "Bearer "+testSecret)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)

	var response Response
	if recorder.Body.Len() > 0 && strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			t.Fatalf("decoding response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, response
}

func (h *testHarness) lastAudit(t *testing.T) audit.Record {
	t.Helper()
	records, err := h.audit.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("audit log is empty")
	}
	return records[0]
}

func TestAuthenticationRequiredEverywhere(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	paths := []string{
		"/v1/push",
		"/v1/fetch",
		"/v1/pr/create",
		"/v1/pr/comment",
		"/v1/pr/edit",
		"/v1/pr/close",
		"/v1/execute",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			recorder, response := h.post(t, path, map[string]string{}, false)
			if recorder.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", recorder.Code, http.StatusUnauthorized)
			}
			if response.Success {
				t.Error("success = true for unauthenticated request")
			}
			if response.Error == nil || response.Error.Kind != KindAuthentication {
				t.Errorf("error = %+v, want kind %s", response.Error, KindAuthentication)
			}
		})
	}

	record := h.lastAudit(t)
	if record.Decision != audit.DecisionDeny || record.Actor != "unauthenticated" {
		t.Errorf("audit record = %+v, want unauthenticated deny", record)
	}
}

func TestHealthNeedsNoAuthentication(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var response Response
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	var health HealthResponse
	if err := json.Unmarshal(response.Result, &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	// No refresh has happened yet.
	if health.CredentialValid {
		t.Error("credential_valid = true before any refresh")
	}
}

func TestNoMergeEndpoint(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	recorder, _ := h.post(t, "/v1/merge", map[string]string{}, true)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("POST /v1/merge status = %d, want 404", recorder.Code)
	}
}

func TestPushValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name    string
		request PushRequest
	}{
		{"missing repo_path", PushRequest{Remote: "https://github.com/acme/widgets", Refspec: "agent/x"}},
		{"relative repo_path", PushRequest{RepoPath: "project", Remote: "https://github.com/acme/widgets", Refspec: "agent/x"}},
		{"repo_path outside root", PushRequest{RepoPath: "/etc", Remote: "https://github.com/acme/widgets", Refspec: "agent/x"}},
		{"traversal escapes root", PushRequest{RepoPath: h.repoDir + "/../../etc", Remote: "https://github.com/acme/widgets", Refspec: "agent/x"}},
		{"missing refspec", PushRequest{RepoPath: h.repoDir, Remote: "https://github.com/acme/widgets"}},
		{"non-https remote", PushRequest{RepoPath: h.repoDir, Remote: "git@github.com:acme/widgets.git", Refspec: "agent/x"}},
		{"remote without repo", PushRequest{RepoPath: h.repoDir, Remote: "https://github.com/acme", Refspec: "agent/x"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			recorder, response := h.post(t, "/v1/push", test.request, true)
			if recorder.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", recorder.Code)
			}
			if response.Error == nil || response.Error.Kind != KindValidation {
				t.Errorf("error = %+v, want kind %s", response.Error, KindValidation)
			}
		})
	}
}

func TestPushRejectsForeignForgeHost(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	// A reserved-prefix refspec would be allowed by policy; the remote
	// host check must refuse first, or the credential would travel to
	// whatever host the caller named.
	recorder, response := h.post(t, "/v1/push", PushRequest{
		RepoPath: h.repoDir,
		Remote:   "https://attacker.invalid/owner/repo.git",
		Refspec:  "agent/exfil",
	}, true)

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
	if response.Error == nil || response.Error.Kind != KindValidation {
		t.Fatalf("error = %+v, want kind %s", response.Error, KindValidation)
	}

	records, err := h.audit.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	for _, record := range records {
		if record.Operation == "push" && record.Decision == audit.DecisionAllow {
			t.Errorf("push to foreign host was allowed: %+v", record)
		}
	}
}

func TestFetchRejectsForeignForgeHost(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	recorder, response := h.post(t, "/v1/fetch", FetchRequest{
		RepoPath: h.repoDir,
		Remote:   "https://attacker.invalid/owner/repo.git",
	}, true)

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
	if response.Error == nil || response.Error.Kind != KindValidation {
		t.Fatalf("error = %+v, want kind %s", response.Error, KindValidation)
	}
}

func TestPushDeniedForUnownedBranch(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	recorder, response := h.post(t, "/v1/push", PushRequest{
		RepoPath: h.repoDir,
		Remote:   "https://github.com/acme/widgets.git",
		Refspec:  "main",
	}, true)

	// A policy denial is a successful mediation with a negative answer.
	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", recorder.Code)
	}
	if response.Success {
		t.Error("success = true for denied push")
	}
	if response.Error == nil || response.Error.Kind != KindPolicyDenied {
		t.Fatalf("error = %+v, want kind %s", response.Error, KindPolicyDenied)
	}

	record := h.lastAudit(t)
	if record.Decision != audit.DecisionDeny {
		t.Errorf("audit decision = %s, want deny", record.Decision)
	}
	if record.Operation != "push" || record.Target != "acme/widgets@main" {
		t.Errorf("audit record = %s %s, want push acme/widgets@main", record.Operation, record.Target)
	}
}

func TestPushAllowedForAgentAuthoredPull(t *testing.T) {
	platform := &fakePlatform{
		branches: map[string]*policy.PullInfo{
			"acme/widgets@feature-x": {Number: 7, Author: "forgebot[bot]", Open: true},
		},
	}
	h := newHarness(t, harnessOptions{platform: platform})

	// The push reaches git itself and fails (no remote configured in
	// the scratch repo), but the mediation pipeline has already
	// allowed and audited it.
	recorder, _ := h.post(t, "/v1/push", PushRequest{
		RepoPath: h.repoDir,
		Remote:   "https://github.com/acme/widgets.git",
		Refspec:  "feature-x",
	}, true)
	if recorder.Code == http.StatusUnauthorized || recorder.Code == http.StatusBadRequest {
		t.Fatalf("pipeline rejected allowed push: status %d", recorder.Code)
	}

	records, err := h.audit.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	found := false
	for _, record := range records {
		if record.Operation == "push" && record.Decision == audit.DecisionAllow {
			found = true
		}
	}
	if !found {
		t.Error("no allow record for the push")
	}
}

func TestPushFailsClosedWithoutCredential(t *testing.T) {
	h := newHarness(t, harnessOptions{failTokens: true})

	recorder, response := h.post(t, "/v1/push", PushRequest{
		RepoPath: h.repoDir,
		Remote:   "https://github.com/acme/widgets.git",
		Refspec:  "agent/feature",
	}, true)

	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", recorder.Code)
	}
	if response.Error == nil || response.Error.Kind != KindCredentialUnavailable {
		t.Fatalf("error = %+v, want kind %s", response.Error, KindCredentialUnavailable)
	}

	record := h.lastAudit(t)
	if record.Decision != audit.DecisionError {
		t.Errorf("audit decision = %s, want error", record.Decision)
	}
}

func TestRateLimitDeniesOverBudget(t *testing.T) {
	h := newHarness(t, harnessOptions{
		limits: map[ratelimit.Class]int{"push": 2, ratelimit.Total: 100},
	})

	request := PushRequest{
		RepoPath: h.repoDir,
		Remote:   "https://github.com/acme/widgets.git",
		Refspec:  "main",
	}

	// Denied pushes still consume the admitted request's quota slot.
	for i := 0; i < 2; i++ {
		_, response := h.post(t, "/v1/push", request, true)
		if response.Error == nil || response.Error.Kind != KindPolicyDenied {
			t.Fatalf("request %d: error = %+v, want policy denial", i, response.Error)
		}
	}

	recorder, response := h.post(t, "/v1/push", request, true)
	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", recorder.Code)
	}
	if response.Error == nil || response.Error.Kind != KindRateLimited {
		t.Fatalf("error = %+v, want kind %s", response.Error, KindRateLimited)
	}

	record := h.lastAudit(t)
	if record.Decision != audit.DecisionDeny {
		t.Errorf("audit decision = %s, want deny", record.Decision)
	}
}

func TestPRCreate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/pulls", func(writer http.ResponseWriter, request *http.Request) {
		var body github.CreatePullRequestRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Title != "Add widget cache" || body.Head != "agent/cache" || body.Base != "main" {
			http.Error(writer, "unexpected body", http.StatusBadRequest)
			return
		}
		writer.WriteHeader(http.StatusCreated)
		json.NewEncoder(writer).Encode(github.PullRequest{
			Number:  42,
			State:   "open",
			HTMLURL: "https://github.com/acme/widgets/pull/42",
		})
	})

	h := newHarness(t, harnessOptions{githubMux: mux})

	recorder, response := h.post(t, "/v1/pr/create", PRCreateRequest{
		Repo:  "acme/widgets",
		Title: "Add widget cache",
		Head:  "agent/cache",
		Base:  "main",
		Body:  "Caches widgets.",
	}, true)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if !response.Success {
		t.Fatalf("success = false: %+v", response.Error)
	}
	var result PRResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Number != 42 || result.State != "open" {
		t.Errorf("result = %+v, want pull 42 open", result)
	}

	record := h.lastAudit(t)
	if record.Operation != "pr_create" || record.Decision != audit.DecisionAllow {
		t.Errorf("audit record = %s %s, want pr_create allow", record.Operation, record.Decision)
	}
}

func TestPRCommentDeniedForForeignPull(t *testing.T) {
	platform := &fakePlatform{
		pulls: map[string]*policy.PullInfo{
			"acme/widgets#5": {Number: 5, Author: "human-reviewer", Open: true},
		},
	}
	h := newHarness(t, harnessOptions{platform: platform})

	recorder, response := h.post(t, "/v1/pr/comment", PRCommentRequest{
		Repo:     "acme/widgets",
		PRNumber: 5,
		Body:     "LGTM",
	}, true)

	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", recorder.Code)
	}
	if response.Error == nil || response.Error.Kind != KindPolicyDenied {
		t.Fatalf("error = %+v, want kind %s", response.Error, KindPolicyDenied)
	}
}

func TestPRCommentReturnsCommentResult(t *testing.T) {
	platform := &fakePlatform{
		pulls: map[string]*policy.PullInfo{
			"acme/widgets#5": {Number: 5, Author: "forgebot", Open: true},
		},
	}
	// Only the comment POST is served: the handler must report the
	// posted comment itself, with no follow-up read that could fail
	// after the side effect.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/issues/5/comments", func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusCreated)
		json.NewEncoder(writer).Encode(github.Comment{
			ID:      77,
			HTMLURL: "https://github.com/acme/widgets/pull/5#issuecomment-77",
		})
	})

	h := newHarness(t, harnessOptions{platform: platform, githubMux: mux})

	recorder, response := h.post(t, "/v1/pr/comment", PRCommentRequest{
		Repo:     "acme/widgets",
		PRNumber: 5,
		Body:     "closing the loop",
	}, true)

	if recorder.Code != http.StatusOK || !response.Success {
		t.Fatalf("status = %d, response = %+v", recorder.Code, response.Error)
	}
	var result CommentResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.ID != 77 || result.HTMLURL == "" {
		t.Errorf("result = %+v, want comment 77 with URL", result)
	}
}

func TestPRCloseOwnPull(t *testing.T) {
	platform := &fakePlatform{
		pulls: map[string]*policy.PullInfo{
			"acme/widgets#9": {Number: 9, Author: "forgebot", Open: true},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /repos/acme/widgets/pulls/9", func(writer http.ResponseWriter, request *http.Request) {
		var body map[string]any
		json.NewDecoder(request.Body).Decode(&body)
		if body["state"] != "closed" {
			http.Error(writer, "expected state=closed", http.StatusBadRequest)
			return
		}
		json.NewEncoder(writer).Encode(github.PullRequest{Number: 9, State: "closed"})
	})

	h := newHarness(t, harnessOptions{platform: platform, githubMux: mux})

	recorder, response := h.post(t, "/v1/pr/close", PRCloseRequest{
		Repo:     "acme/widgets",
		PRNumber: 9,
	}, true)

	if recorder.Code != http.StatusOK || !response.Success {
		t.Fatalf("status = %d, response = %+v", recorder.Code, response.Error)
	}
	var result PRResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.State != "closed" {
		t.Errorf("state = %q, want closed", result.State)
	}
}

func TestExecuteRejectsWritingCommands(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := [][]string{
		{"config", "--list"},
		{"checkout", "main"},
		{"branch", "-D", "main"},
		{"log", "--output=/tmp/x"},
	}
	for _, args := range tests {
		recorder, response := h.post(t, "/v1/execute", ExecuteRequest{
			RepoPath: h.repoDir,
			Args:     args,
		}, true)
		if recorder.Code != http.StatusOK {
			t.Errorf("%v: status = %d, want 200", args, recorder.Code)
		}
		if response.Error == nil || response.Error.Kind != KindPolicyDenied {
			t.Errorf("%v: error = %+v, want kind %s", args, response.Error, KindPolicyDenied)
		}
	}

	record := h.lastAudit(t)
	if record.Decision != audit.DecisionDeny || record.Operation != "read" {
		t.Errorf("audit record = %s %s, want read deny", record.Operation, record.Decision)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	recorder, response := h.post(t, "/v1/push", map[string]any{
		"repo_path": h.repoDir,
		"remote":    "https://github.com/acme/widgets.git",
		"refspec":   "agent/x",
		"merge":     true,
	}, true)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
	if response.Error == nil || response.Error.Kind != KindValidation {
		t.Errorf("error = %+v, want kind %s", response.Error, KindValidation)
	}
}
