// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"net/url"
)

// ListPullRequestsOptions controls filtering and pagination for
// ListPullRequests.
type ListPullRequestsOptions struct {
	State   string // "open", "closed", "all" (default: "open")
	Head    string // filter by head branch, "user:ref-name" form
	Sort    string // "created", "updated", "popularity", "long-running"
	PerPage int    // results per page (max 100, default 30)
}

func (options ListPullRequestsOptions) queryParams() string {
	values := url.Values{}
	if options.State != "" {
		values.Set("state", options.State)
	}
	if options.Head != "" {
		values.Set("head", options.Head)
	}
	if options.Sort != "" {
		values.Set("sort", options.Sort)
	}
	if options.PerPage > 0 {
		values.Set("per_page", fmt.Sprintf("%d", options.PerPage))
	}
	return values.Encode()
}

// CreatePullRequestRequest contains the fields for opening a pull
// request.
type CreatePullRequestRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"` // source branch
	Base  string `json:"base"` // target branch
	Body  string `json:"body,omitempty"`
	Draft bool   `json:"draft,omitempty"`
}

// UpdatePullRequestRequest contains the fields for updating a pull
// request. Only non-nil fields are sent in the PATCH request. Setting
// State to "closed" closes the PR; there is no path from here to a
// merge.
type UpdatePullRequestRequest struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
	State *string `json:"state,omitempty"` // "open" or "closed"
	Base  *string `json:"base,omitempty"`
}

// GetPullRequest retrieves a single pull request by number.
func (client *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pullRequest PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := client.get(ctx, path, &pullRequest); err != nil {
		return nil, fmt.Errorf("getting PR %s/%s#%d: %w", owner, repo, number, err)
	}
	return &pullRequest, nil
}

// ListPullRequests returns a paginated iterator over pull requests in
// a repository.
func (client *Client) ListPullRequests(ctx context.Context, owner, repo string, options ListPullRequestsOptions) *PageIterator[PullRequest] {
	basePath := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	return list[PullRequest](client, buildListPath(basePath, options))
}

// OpenPullForBranch returns the open pull request whose head is the
// given branch, or nil when there is none. When several open PRs share
// a head (possible across forks), the first listed wins.
func (client *Client) OpenPullForBranch(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	iterator := client.ListPullRequests(ctx, owner, repo, ListPullRequestsOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	pulls, err := iterator.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open PRs for %s/%s branch %q: %w", owner, repo, branch, err)
	}
	if len(pulls) == 0 {
		return nil, nil
	}
	return &pulls[0], nil
}

// CreatePullRequest opens a pull request.
func (client *Client) CreatePullRequest(ctx context.Context, owner, repo string, request CreatePullRequestRequest) (*PullRequest, error) {
	var pullRequest PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := client.post(ctx, path, request, &pullRequest); err != nil {
		return nil, fmt.Errorf("creating PR in %s/%s: %w", owner, repo, err)
	}
	return &pullRequest, nil
}

// UpdatePullRequest edits a pull request's title, body, state, or base.
func (client *Client) UpdatePullRequest(ctx context.Context, owner, repo string, number int, request UpdatePullRequestRequest) (*PullRequest, error) {
	var pullRequest PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := client.patch(ctx, path, request, &pullRequest); err != nil {
		return nil, fmt.Errorf("updating PR %s/%s#%d: %w", owner, repo, number, err)
	}
	return &pullRequest, nil
}

// CreateIssueComment creates a comment on an issue or pull request.
func (client *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var comment Comment
	request := struct {
		Body string `json:"body"`
	}{Body: body}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if err := client.post(ctx, path, request, &comment); err != nil {
		return nil, fmt.Errorf("creating comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return &comment, nil
}
