// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeguard/forgeguard/lib/audit"
	"github.com/forgeguard/forgeguard/lib/clock"
	"github.com/forgeguard/forgeguard/lib/gitcli"
	"github.com/forgeguard/forgeguard/lib/github"
	"github.com/forgeguard/forgeguard/policy"
	"github.com/forgeguard/forgeguard/ratelimit"
	"github.com/forgeguard/forgeguard/refresher"
)

// maxRequestBody bounds request decoding. Requests are small control
// messages; anything larger is malformed.
const maxRequestBody = 1 << 20

// HandlerConfig wires the mediation pipeline together.
type HandlerConfig struct {
	Auth    *Authenticator
	Engine  *policy.Engine
	Limiter *ratelimit.Limiter
	Audit   *audit.Store
	Tokens  *refresher.Refresher
	Client  *github.Client

	// ReposRoot is the directory all repo_path values must resolve
	// under.
	ReposRoot string

	// GitHost is the only host remotes may name; the platform
	// credential is only ever scoped to this host. Required.
	GitHost string

	// GitPath is the git binary. Defaults to "git".
	GitPath string

	// Actor is the canonical bot identity, recorded on every audit
	// entry and presented to the policy engine.
	Actor string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Handler serves the mediation API. Every operation runs the same
// fixed pipeline: authenticate, validate, rate-limit, evaluate policy,
// record the decision, then execute. The audit record for an allowed
// operation is written before the side effect happens, so an audit
// failure blocks the operation rather than losing the record.
type Handler struct {
	auth      *Authenticator
	engine    *policy.Engine
	limiter   *ratelimit.Limiter
	audit     *audit.Store
	tokens    *refresher.Refresher
	client    *github.Client
	reposRoot string
	gitHost   string
	gitPath   string
	actor     string
	clock     clock.Clock
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewHandler creates a Handler.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Auth == nil {
		return nil, fmt.Errorf("gateway: Auth is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("gateway: Engine is required")
	}
	if config.Limiter == nil {
		return nil, fmt.Errorf("gateway: Limiter is required")
	}
	if config.Audit == nil {
		return nil, fmt.Errorf("gateway: Audit is required")
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("gateway: Tokens is required")
	}
	if config.Client == nil {
		return nil, fmt.Errorf("gateway: Client is required")
	}
	if config.ReposRoot == "" || !filepath.IsAbs(config.ReposRoot) {
		return nil, fmt.Errorf("gateway: ReposRoot must be an absolute path")
	}
	if config.GitHost == "" {
		return nil, fmt.Errorf("gateway: GitHost is required")
	}
	if config.Actor == "" {
		return nil, fmt.Errorf("gateway: Actor is required")
	}

	gitPath := config.GitPath
	if gitPath == "" {
		gitPath = "git"
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := &Handler{
		auth:      config.Auth,
		engine:    config.Engine,
		limiter:   config.Limiter,
		audit:     config.Audit,
		tokens:    config.Tokens,
		client:    config.Client,
		reposRoot: filepath.Clean(config.ReposRoot),
		gitHost:   config.GitHost,
		gitPath:   gitPath,
		actor:     config.Actor,
		clock:     clk,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.handleHealth)
	mux.HandleFunc("POST /v1/push", handler.requireAuth(handler.handlePush))
	mux.HandleFunc("POST /v1/fetch", handler.requireAuth(handler.handleFetch))
	mux.HandleFunc("POST /v1/pr/create", handler.requireAuth(handler.handlePRCreate))
	mux.HandleFunc("POST /v1/pr/comment", handler.requireAuth(handler.handlePRComment))
	mux.HandleFunc("POST /v1/pr/edit", handler.requireAuth(handler.handlePREdit))
	mux.HandleFunc("POST /v1/pr/close", handler.requireAuth(handler.handlePRClose))
	mux.HandleFunc("POST /v1/execute", handler.requireAuth(handler.handleExecute))
	handler.mux = mux

	return handler, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

// requireAuth rejects requests without the shared secret. Failed
// attempts are audited best-effort: a broken audit log must not turn
// an authentication failure into an internal error.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if !h.auth.check(request.Header.Get("Authorization")) {
			entry := audit.Entry{
				Actor:     "unauthenticated",
				Operation: "auth",
				Target:    request.URL.Path,
				Decision:  audit.DecisionDeny,
				Reason:    "missing or invalid bearer token",
			}
			if _, err := h.audit.Append(request.Context(), entry); err != nil {
				h.logger.Error("audit append failed for auth denial", "error", err)
			}
			h.writeError(writer, KindAuthentication, "missing or invalid bearer token")
			return
		}
		next(writer, request)
	}
}

func (h *Handler) handleHealth(writer http.ResponseWriter, request *http.Request) {
	h.writeResult(writer, HealthResponse{
		Status:          "ok",
		CredentialValid: h.tokens.Valid(),
	})
}

func (h *Handler) handlePush(writer http.ResponseWriter, request *http.Request) {
	var body PushRequest
	if !h.decode(writer, request, &body) {
		return
	}

	repoDir, err := h.resolveRepoPath(body.RepoPath)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	if body.Remote == "" || body.Refspec == "" {
		h.writeError(writer, KindValidation, "remote and refspec are required")
		return
	}
	owner, repo, err := h.parseRemote(body.Remote)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	branch := targetBranch(body.Refspec)
	if branch == "" {
		h.writeError(writer, KindValidation, fmt.Sprintf("refspec %q has no destination branch", body.Refspec))
		return
	}

	target := fmt.Sprintf("%s/%s@%s", owner, repo, branch)
	if !h.allowRate(writer, request, policy.OpPush, target) {
		return
	}

	decision, err := h.engine.Evaluate(request.Context(), policy.Request{
		Actor:     h.actor,
		Operation: policy.OpPush,
		Owner:     owner,
		Repo:      repo,
		Ref:       branch,
	})
	if !h.admit(writer, request, policy.OpPush, target, decision, err) {
		return
	}

	token, err := h.tokens.Token(request.Context())
	if err != nil {
		h.recordError(writer, request, policy.OpPush, target, err)
		return
	}

	gitRepo, err := gitcli.Open(gitcli.Config{Dir: repoDir, GitPath: h.gitPath, CredentialHost: h.gitHost, Logger: h.logger})
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	result, err := gitRepo.Push(request.Context(), gitcli.PushOptions{
		Remote:  body.Remote,
		Refspec: body.Refspec,
		Force:   body.Force,
		Token:   token,
	})
	h.writeGitResult(writer, result, err)
}

func (h *Handler) handleFetch(writer http.ResponseWriter, request *http.Request) {
	var body FetchRequest
	if !h.decode(writer, request, &body) {
		return
	}

	repoDir, err := h.resolveRepoPath(body.RepoPath)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	if body.Remote == "" {
		h.writeError(writer, KindValidation, "remote is required")
		return
	}
	if _, err := h.checkRemoteHost(body.Remote); err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}

	target := body.Remote
	if !h.allowRate(writer, request, policy.OpFetch, target) {
		return
	}

	decision, err := h.engine.Evaluate(request.Context(), policy.Request{
		Actor:     h.actor,
		Operation: policy.OpFetch,
	})
	if !h.admit(writer, request, policy.OpFetch, target, decision, err) {
		return
	}

	token, err := h.tokens.Token(request.Context())
	if err != nil {
		h.recordError(writer, request, policy.OpFetch, target, err)
		return
	}

	gitRepo, err := gitcli.Open(gitcli.Config{Dir: repoDir, GitPath: h.gitPath, CredentialHost: h.gitHost, Logger: h.logger})
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	result, err := gitRepo.Fetch(request.Context(), gitcli.FetchOptions{
		Remote:   body.Remote,
		Refspecs: body.Refspecs,
		Prune:    body.Prune,
		Token:    token,
	})
	h.writeGitResult(writer, result, err)
}

func (h *Handler) handlePRCreate(writer http.ResponseWriter, request *http.Request) {
	var body PRCreateRequest
	if !h.decode(writer, request, &body) {
		return
	}

	owner, repo, err := splitRepo(body.Repo)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	if body.Title == "" || body.Head == "" || body.Base == "" {
		h.writeError(writer, KindValidation, "title, head, and base are required")
		return
	}

	target := fmt.Sprintf("%s/%s %s->%s", owner, repo, body.Head, body.Base)
	if !h.allowRate(writer, request, policy.OpPRCreate, target) {
		return
	}

	decision, err := h.engine.Evaluate(request.Context(), policy.Request{
		Actor:     h.actor,
		Operation: policy.OpPRCreate,
		Owner:     owner,
		Repo:      repo,
		Ref:       body.Head,
	})
	if !h.admit(writer, request, policy.OpPRCreate, target, decision, err) {
		return
	}

	pull, err := h.client.CreatePullRequest(request.Context(), owner, repo, github.CreatePullRequestRequest{
		Title: body.Title,
		Head:  body.Head,
		Base:  body.Base,
		Body:  body.Body,
		Draft: body.Draft,
	})
	if err != nil {
		h.writePlatformError(writer, err)
		return
	}
	h.writeResult(writer, prResult(pull))
}

func (h *Handler) handlePRComment(writer http.ResponseWriter, request *http.Request) {
	var body PRCommentRequest
	if !h.decode(writer, request, &body) {
		return
	}

	owner, repo, err := splitRepo(body.Repo)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	if body.PRNumber <= 0 || body.Body == "" {
		h.writeError(writer, KindValidation, "pr_number and body are required")
		return
	}

	target := fmt.Sprintf("%s/%s#%d", owner, repo, body.PRNumber)
	if !h.allowRate(writer, request, policy.OpPRComment, target) {
		return
	}

	decision, err := h.engine.Evaluate(request.Context(), policy.Request{
		Actor:     h.actor,
		Operation: policy.OpPRComment,
		Owner:     owner,
		Repo:      repo,
		PRNumber:  body.PRNumber,
	})
	if !h.admit(writer, request, policy.OpPRComment, target, decision, err) {
		return
	}

	// The POST's own response is the result: a follow-up read could
	// fail and misreport a comment that was in fact posted.
	comment, err := h.client.CreateIssueComment(request.Context(), owner, repo, body.PRNumber, body.Body)
	if err != nil {
		h.writePlatformError(writer, err)
		return
	}
	h.writeResult(writer, CommentResult{ID: comment.ID, HTMLURL: comment.HTMLURL})
}

func (h *Handler) handlePREdit(writer http.ResponseWriter, request *http.Request) {
	var body PREditRequest
	if !h.decode(writer, request, &body) {
		return
	}

	owner, repo, err := splitRepo(body.Repo)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	if body.PRNumber <= 0 {
		h.writeError(writer, KindValidation, "pr_number is required")
		return
	}
	if body.Title == nil && body.Body == nil {
		h.writeError(writer, KindValidation, "at least one of title or body is required")
		return
	}

	target := fmt.Sprintf("%s/%s#%d", owner, repo, body.PRNumber)
	if !h.allowRate(writer, request, policy.OpPREdit, target) {
		return
	}

	decision, err := h.engine.Evaluate(request.Context(), policy.Request{
		Actor:     h.actor,
		Operation: policy.OpPREdit,
		Owner:     owner,
		Repo:      repo,
		PRNumber:  body.PRNumber,
	})
	if !h.admit(writer, request, policy.OpPREdit, target, decision, err) {
		return
	}

	pull, err := h.client.UpdatePullRequest(request.Context(), owner, repo, body.PRNumber, github.UpdatePullRequestRequest{
		Title: body.Title,
		Body:  body.Body,
	})
	if err != nil {
		h.writePlatformError(writer, err)
		return
	}
	h.writeResult(writer, prResult(pull))
}

func (h *Handler) handlePRClose(writer http.ResponseWriter, request *http.Request) {
	var body PRCloseRequest
	if !h.decode(writer, request, &body) {
		return
	}

	owner, repo, err := splitRepo(body.Repo)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	if body.PRNumber <= 0 {
		h.writeError(writer, KindValidation, "pr_number is required")
		return
	}

	target := fmt.Sprintf("%s/%s#%d", owner, repo, body.PRNumber)
	if !h.allowRate(writer, request, policy.OpPRClose, target) {
		return
	}

	decision, err := h.engine.Evaluate(request.Context(), policy.Request{
		Actor:     h.actor,
		Operation: policy.OpPRClose,
		Owner:     owner,
		Repo:      repo,
		PRNumber:  body.PRNumber,
	})
	if !h.admit(writer, request, policy.OpPRClose, target, decision, err) {
		return
	}

	closed := "closed"
	pull, err := h.client.UpdatePullRequest(request.Context(), owner, repo, body.PRNumber, github.UpdatePullRequestRequest{
		State: &closed,
	})
	if err != nil {
		h.writePlatformError(writer, err)
		return
	}
	h.writeResult(writer, prResult(pull))
}

func (h *Handler) handleExecute(writer http.ResponseWriter, request *http.Request) {
	var body ExecuteRequest
	if !h.decode(writer, request, &body) {
		return
	}

	repoDir, err := h.resolveRepoPath(body.RepoPath)
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	if len(body.Args) == 0 {
		h.writeError(writer, KindValidation, "args are required")
		return
	}

	target := "git " + strings.Join(body.Args, " ")
	if !h.allowRate(writer, request, policy.OpRead, target) {
		return
	}

	// The allowlist check is the policy decision for passthrough
	// commands; record its outcome like any other denial.
	if err := gitcli.CheckReadOnly(body.Args); err != nil {
		h.record(request, policy.OpRead, target, audit.DecisionDeny, err.Error())
		h.writeError(writer, KindPolicyDenied, err.Error())
		return
	}

	var token string
	if body.RequireAuth {
		token, err = h.tokens.Token(request.Context())
		if err != nil {
			h.recordError(writer, request, policy.OpRead, target, err)
			return
		}
	}

	if err := h.record(request, policy.OpRead, target, audit.DecisionAllow, "read-only command allowed"); err != nil {
		h.writeError(writer, KindInternal, "audit log unavailable")
		return
	}

	gitRepo, err := gitcli.Open(gitcli.Config{Dir: repoDir, GitPath: h.gitPath, CredentialHost: h.gitHost, Logger: h.logger})
	if err != nil {
		h.writeError(writer, KindValidation, err.Error())
		return
	}
	result, err := gitRepo.ReadOnly(request.Context(), body.Args, token)
	h.writeGitResult(writer, result, err)
}

// allowRate applies the per-class and total budgets. A denial consumes
// no quota and is audited.
func (h *Handler) allowRate(writer http.ResponseWriter, request *http.Request, operation policy.Operation, target string) bool {
	if h.limiter.Allow(ratelimit.Class(operation)) {
		return true
	}
	reason := fmt.Sprintf("rate limit exceeded for %s, retry in %s", operation, h.limiter.Retryable().Round(time.Second))
	h.record(request, operation, target, audit.DecisionDeny, reason)
	h.writeError(writer, KindRateLimited, reason)
	return false
}

// admit handles the policy verdict: evaluation errors and denials are
// recorded and written; an allow is recorded before returning true so
// the side effect never runs unaudited.
func (h *Handler) admit(writer http.ResponseWriter, request *http.Request, operation policy.Operation, target string, decision policy.Decision, err error) bool {
	if err != nil {
		h.recordError(writer, request, operation, target, err)
		return false
	}
	if !decision.Allow {
		h.record(request, operation, target, audit.DecisionDeny, decision.Reason)
		h.writeError(writer, KindPolicyDenied, decision.Reason)
		return false
	}
	if err := h.record(request, operation, target, audit.DecisionAllow, decision.Reason); err != nil {
		h.writeError(writer, KindInternal, "audit log unavailable")
		return false
	}
	return true
}

// record appends one audit entry. Append failures are logged; the
// caller decides whether they are fatal for the operation.
func (h *Handler) record(request *http.Request, operation policy.Operation, target string, decision audit.Decision, reason string) error {
	entry := audit.Entry{
		Actor:     h.actor,
		Operation: string(operation),
		Target:    target,
		Decision:  decision,
		Reason:    reason,
	}
	if _, err := h.audit.Append(request.Context(), entry); err != nil {
		h.logger.Error("audit append failed",
			"operation", operation, "target", target, "decision", decision, "error", err)
		return err
	}
	return nil
}

// recordError audits a failed evaluation or credential fetch and
// writes the matching error kind.
func (h *Handler) recordError(writer http.ResponseWriter, request *http.Request, operation policy.Operation, target string, err error) {
	h.record(request, operation, target, audit.DecisionError, err.Error())

	switch {
	case errors.Is(err, refresher.ErrCredentialUnavailable):
		h.writeError(writer, KindCredentialUnavailable, "platform credential unavailable")
	case github.IsUnauthorized(err):
		// The margin makes a mid-call rejection rare, not impossible.
		h.tokens.Wake()
		h.writeError(writer, KindCredentialUnavailable, "platform credential rejected")
	default:
		h.writeError(writer, KindPlatform, err.Error())
	}
}

// writeGitResult maps a git invocation outcome. A non-zero exit is a
// successful mediation: the caller gets git's own diagnostics.
func (h *Handler) writeGitResult(writer http.ResponseWriter, result *gitcli.Result, err error) {
	var exitErr *gitcli.ExitError
	switch {
	case err == nil:
		h.writeResult(writer, GitResult{Stdout: result.Stdout, Stderr: result.Stderr})
	case errors.As(err, &exitErr):
		h.writeResult(writer, GitResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode})
	default:
		h.writeError(writer, KindInternal, err.Error())
	}
}

// writePlatformError maps a forge API failure. Credential rejections
// wake the refresher so the next caller gets a fresh token.
func (h *Handler) writePlatformError(writer http.ResponseWriter, err error) {
	switch {
	case github.IsUnauthorized(err):
		h.tokens.Wake()
		h.writeError(writer, KindCredentialUnavailable, "platform credential rejected")
	case errors.Is(err, refresher.ErrCredentialUnavailable):
		h.writeError(writer, KindCredentialUnavailable, "platform credential unavailable")
	case github.IsValidationFailed(err):
		h.writeError(writer, KindValidation, err.Error())
	default:
		h.writeError(writer, KindPlatform, err.Error())
	}
}

func (h *Handler) decode(writer http.ResponseWriter, request *http.Request, value any) bool {
	request.Body = http.MaxBytesReader(writer, request.Body, maxRequestBody)
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		h.writeError(writer, KindValidation, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) writeResult(writer http.ResponseWriter, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		h.writeError(writer, KindInternal, "encoding response")
		return
	}
	writeJSON(writer, http.StatusOK, Response{Success: true, Result: raw})
}

func (h *Handler) writeError(writer http.ResponseWriter, kind ErrorKind, message string) {
	writeJSON(writer, httpStatus(kind), Response{
		Success: false,
		Error:   &ErrorBody{Kind: kind, Message: message},
	})
}

func writeJSON(writer http.ResponseWriter, status int, response Response) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(response)
}

// resolveRepoPath validates that repo_path is absolute, clean, and
// inside the configured repositories root.
func (h *Handler) resolveRepoPath(repoPath string) (string, error) {
	if repoPath == "" {
		return "", fmt.Errorf("repo_path is required")
	}
	if !filepath.IsAbs(repoPath) {
		return "", fmt.Errorf("repo_path must be absolute, got %q", repoPath)
	}
	cleaned := filepath.Clean(repoPath)
	if cleaned != h.reposRoot && !strings.HasPrefix(cleaned, h.reposRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("repo_path %q is outside the repositories root", repoPath)
	}
	return cleaned, nil
}

// splitRepo parses "owner/name".
func splitRepo(full string) (string, string, error) {
	owner, repo, found := strings.Cut(full, "/")
	if !found || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repo must be \"owner/name\", got %q", full)
	}
	return owner, repo, nil
}

// checkRemoteHost validates that the remote is an https URL naming the
// configured forge host. The platform credential must never travel to
// any other host, so this runs before rate limiting and policy.
func (h *Handler) checkRemoteHost(remote string) (*url.URL, error) {
	parsed, err := url.Parse(remote)
	if err != nil || parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote %q is not an https forge URL", remote)
	}
	if !strings.EqualFold(parsed.Host, h.gitHost) {
		return nil, fmt.Errorf("remote host %q is not the configured forge %q", parsed.Host, h.gitHost)
	}
	return parsed, nil
}

// parseRemote extracts the owner and repository from a validated forge
// remote URL like https://github.com/owner/repo.git.
func (h *Handler) parseRemote(remote string) (string, string, error) {
	parsed, err := h.checkRemoteHost(remote)
	if err != nil {
		return "", "", err
	}
	trimmed := strings.TrimSuffix(strings.Trim(parsed.Path, "/"), ".git")
	owner, repo, found := strings.Cut(trimmed, "/")
	if !found || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("remote %q has no owner/repository path", remote)
	}
	return owner, repo, nil
}

// targetBranch extracts the destination branch from a refspec:
// "HEAD:agent/x" pushes to agent/x, a bare "agent/x" pushes to itself.
func targetBranch(refspec string) string {
	spec := strings.TrimPrefix(refspec, "+")
	if _, destination, found := strings.Cut(spec, ":"); found {
		spec = destination
	}
	return strings.TrimPrefix(spec, "refs/heads/")
}

func prResult(pull *github.PullRequest) PRResult {
	return PRResult{Number: pull.Number, State: pull.State, HTMLURL: pull.HTMLURL}
}
