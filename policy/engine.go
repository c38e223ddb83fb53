// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether a sandboxed agent may perform a git
// or pull-request operation. Decisions rest on ownership: a branch or
// PR belongs to the agent when the PR was authored by the agent's bot
// identity, or the branch name carries a reserved prefix granting
// push rights before any PR exists.
//
// The engine is independent of credential state and rate limiting. It
// holds no hidden state beyond a TTL-bounded ownership cache —
// evaluating the same request against the same ownership snapshot
// always yields the same decision and reason.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
)

// Operation is a gateway-mediated operation class.
type Operation string

const (
	OpPush      Operation = "push"
	OpFetch     Operation = "fetch"
	OpRead      Operation = "read"
	OpPRCreate  Operation = "pr_create"
	OpPRComment Operation = "pr_comment"
	OpPREdit    Operation = "pr_edit"
	OpPRClose   Operation = "pr_close"
	OpMerge     Operation = "merge"
)

// Request is one policy question. Created per call, immutable,
// discarded after the decision.
type Request struct {
	// Actor is the identity the caller claims. Normalized before any
	// comparison.
	Actor string

	Operation Operation

	// Owner and Repo identify the repository on the platform.
	Owner string
	Repo  string

	// Ref is the target branch name for push operations, without the
	// refs/heads/ prefix.
	Ref string

	// PRNumber is the target pull request for pr_* operations.
	PRNumber int
}

// Decision is the outcome of a policy evaluation. Reason is always
// set, for allow and deny alike — it goes into the audit record.
type Decision struct {
	Allow  bool
	Reason string
}

// PullInfo is the ownership-relevant slice of a pull request.
type PullInfo struct {
	Number int
	Author string
	Open   bool
}

// PlatformReader is the remote lookup interface the engine uses to
// populate ownership facts. Implemented by lib/github.
type PlatformReader interface {
	// PullRequest fetches one PR. Returns (nil, nil) when the PR does
	// not exist.
	PullRequest(ctx context.Context, owner, repo string, number int) (*PullInfo, error)

	// OpenPullForBranch returns the open PR whose head is the given
	// branch, or (nil, nil) when there is none.
	OpenPullForBranch(ctx context.Context, owner, repo, branch string) (*PullInfo, error)
}

// Config holds the parameters for creating an Engine.
type Config struct {
	// Identities is the bot identity table. Required.
	Identities *Identities

	// Reader performs remote ownership lookups. Required.
	Reader PlatformReader

	// ReservedPrefixes are branch-name prefixes the agent may push to
	// before a PR exists. Defaults to ["agent/"].
	ReservedPrefixes []string

	// OwnershipTTL bounds staleness of cached ownership facts.
	// Defaults to 60 seconds.
	OwnershipTTL time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine evaluates policy requests. Safe for concurrent use.
type Engine struct {
	identities *Identities
	reader     PlatformReader
	prefixes   []string
	cache      *ownershipCache
	logger     *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Identities == nil {
		return nil, fmt.Errorf("policy: Identities is required")
	}
	if cfg.Reader == nil {
		return nil, fmt.Errorf("policy: Reader is required")
	}

	prefixes := cfg.ReservedPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"agent/"}
	}
	ttl := cfg.OwnershipTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		identities: cfg.Identities,
		reader:     cfg.Reader,
		prefixes:   prefixes,
		cache:      newOwnershipCache(ttl, clk),
		logger:     logger,
	}, nil
}

// Evaluate decides a request. A non-nil error means the evaluation
// itself failed (remote lookup error) — distinct from a deny, which
// is a successful evaluation with Allow=false.
func (e *Engine) Evaluate(ctx context.Context, request Request) (Decision, error) {
	switch request.Operation {
	case OpMerge:
		// Unconditional. No configuration, actor, or ownership state
		// can allow a merge — merging is a human act.
		return Decision{Allow: false, Reason: "merge operations are reserved for humans"}, nil

	case OpFetch, OpRead:
		return Decision{Allow: true, Reason: "read operations are always allowed"}, nil

	case OpPRCreate:
		return Decision{Allow: true, Reason: "pull request creation is always allowed"}, nil

	case OpPush:
		return e.evaluatePush(ctx, request)

	case OpPRComment, OpPREdit, OpPRClose:
		return e.evaluatePullOwnership(ctx, request)

	default:
		return Decision{Allow: false, Reason: fmt.Sprintf("unknown operation %q", request.Operation)}, nil
	}
}

// evaluatePush allows a push when the branch name is reserved for the
// agent, or an open PR from that branch is authored by the bot.
func (e *Engine) evaluatePush(ctx context.Context, request Request) (Decision, error) {
	for _, prefix := range e.prefixes {
		if strings.HasPrefix(request.Ref, prefix) {
			return Decision{
				Allow:  true,
				Reason: fmt.Sprintf("branch %q matches reserved prefix %q", request.Ref, prefix),
			}, nil
		}
	}

	key := fmt.Sprintf("%s/%s@%s", request.Owner, request.Repo, request.Ref)
	fact, err := e.cache.lookup(ctx, key, func(ctx context.Context) (*Fact, error) {
		pull, err := e.reader.OpenPullForBranch(ctx, request.Owner, request.Repo, request.Ref)
		if err != nil {
			return nil, err
		}
		if pull == nil {
			return &Fact{}, nil // no open PR for this branch
		}
		return &Fact{Author: e.identities.Normalize(pull.Author), Open: pull.Open}, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: resolving ownership of %s: %w", key, err)
	}

	if fact.Open && fact.Author == e.identities.Canonical() {
		return Decision{
			Allow:  true,
			Reason: fmt.Sprintf("branch %q has an open pull request authored by %s", request.Ref, fact.Author),
		}, nil
	}
	return Decision{
		Allow:  false,
		Reason: fmt.Sprintf("branch %q is not owned by the agent: no reserved prefix and no open agent-authored pull request", request.Ref),
	}, nil
}

// evaluatePullOwnership allows pr_comment/pr_edit/pr_close when the
// target PR was authored by the bot identity.
func (e *Engine) evaluatePullOwnership(ctx context.Context, request Request) (Decision, error) {
	key := fmt.Sprintf("%s/%s#%d", request.Owner, request.Repo, request.PRNumber)
	fact, err := e.cache.lookup(ctx, key, func(ctx context.Context) (*Fact, error) {
		pull, err := e.reader.PullRequest(ctx, request.Owner, request.Repo, request.PRNumber)
		if err != nil {
			return nil, err
		}
		if pull == nil {
			return &Fact{}, nil
		}
		return &Fact{Author: e.identities.Normalize(pull.Author), Open: pull.Open}, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: resolving ownership of %s: %w", key, err)
	}

	if fact.Author == "" {
		return Decision{
			Allow:  false,
			Reason: fmt.Sprintf("pull request %s does not exist", key),
		}, nil
	}
	if fact.Author != e.identities.Canonical() {
		return Decision{
			Allow:  false,
			Reason: fmt.Sprintf("pull request %s is authored by %q, not the agent", key, fact.Author),
		}, nil
	}
	return Decision{
		Allow:  true,
		Reason: fmt.Sprintf("pull request %s is authored by the agent", key),
	}, nil
}
