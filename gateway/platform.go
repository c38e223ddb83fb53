// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"

	"github.com/forgeguard/forgeguard/lib/github"
	"github.com/forgeguard/forgeguard/policy"
)

// platformReader adapts the GitHub client to the policy engine's
// lookup interface. Not-found responses become (nil, nil): a missing
// pull request is an ownership fact, not a lookup failure.
type platformReader struct {
	client *github.Client
}

// NewPlatformReader wraps a GitHub client for the policy engine.
func NewPlatformReader(client *github.Client) policy.PlatformReader {
	return &platformReader{client: client}
}

func (reader *platformReader) PullRequest(ctx context.Context, owner, repo string, number int) (*policy.PullInfo, error) {
	pull, err := reader.client.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		if github.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return &policy.PullInfo{
		Number: pull.Number,
		Author: pull.User.Login,
		Open:   pull.State == "open",
	}, nil
}

func (reader *platformReader) OpenPullForBranch(ctx context.Context, owner, repo, branch string) (*policy.PullInfo, error) {
	pull, err := reader.client.OpenPullForBranch(ctx, owner, repo, branch)
	if err != nil {
		if github.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding open pull request for %s/%s branch %q: %w", owner, repo, branch, err)
	}
	if pull == nil {
		return nil, nil
	}
	return &policy.PullInfo{
		Number: pull.Number,
		Author: pull.User.Login,
		Open:   true,
	}, nil
}

var _ policy.PlatformReader = (*platformReader)(nil)
