// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetPullRequest(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/repos/owner/repo/pulls/7" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		json.NewEncoder(writer).Encode(PullRequest{
			Number: 7,
			Title:  "Fix bug",
			User:   User{Login: "forgeguard[bot]"},
			Head:   Branch{Ref: "agent/fix-branch", SHA: "abc123"},
			Base:   Branch{Ref: "main", SHA: "def456"},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pullRequest, err := client.GetPullRequest(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}

	if pullRequest.Number != 7 {
		t.Errorf("Number = %d, want 7", pullRequest.Number)
	}
	if pullRequest.User.Login != "forgeguard[bot]" {
		t.Errorf("User.Login = %q", pullRequest.User.Login)
	}
	if pullRequest.Head.Ref != "agent/fix-branch" {
		t.Errorf("Head.Ref = %q", pullRequest.Head.Ref)
	}
}

func TestOpenPullForBranch(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/repos/owner/repo/pulls" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		query := request.URL.Query()
		if got := query.Get("head"); got != "owner:agent/feature-1" {
			t.Errorf("head = %q, want %q", got, "owner:agent/feature-1")
		}
		if got := query.Get("state"); got != "open" {
			t.Errorf("state = %q, want %q", got, "open")
		}
		json.NewEncoder(writer).Encode([]PullRequest{
			{Number: 42, State: "open", Head: Branch{Ref: "agent/feature-1"}},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pull, err := client.OpenPullForBranch(context.Background(), "owner", "repo", "agent/feature-1")
	if err != nil {
		t.Fatalf("OpenPullForBranch: %v", err)
	}
	if pull == nil || pull.Number != 42 {
		t.Fatalf("pull = %+v, want #42", pull)
	}
}

func TestOpenPullForBranchNone(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		json.NewEncoder(writer).Encode([]PullRequest{})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pull, err := client.OpenPullForBranch(context.Background(), "owner", "repo", "orphan-branch")
	if err != nil {
		t.Fatalf("OpenPullForBranch: %v", err)
	}
	if pull != nil {
		t.Fatalf("pull = %+v, want nil for branch with no open PR", pull)
	}
}

func TestCreatePullRequest(t *testing.T) {
	var receivedBody CreatePullRequestRequest
	var receivedMethod string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		receivedMethod = request.Method
		if request.URL.Path != "/repos/owner/repo/pulls" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		json.NewDecoder(request.Body).Decode(&receivedBody)
		writer.WriteHeader(http.StatusCreated)
		json.NewEncoder(writer).Encode(PullRequest{Number: 100, State: "open"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pull, err := client.CreatePullRequest(context.Background(), "owner", "repo", CreatePullRequestRequest{
		Title: "Add feature",
		Head:  "agent/feature-1",
		Base:  "main",
		Body:  "Description",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}

	if receivedMethod != "POST" {
		t.Errorf("method = %s, want POST", receivedMethod)
	}
	if receivedBody.Head != "agent/feature-1" || receivedBody.Base != "main" {
		t.Errorf("request = %+v", receivedBody)
	}
	if pull.Number != 100 {
		t.Errorf("Number = %d, want 100", pull.Number)
	}
}

func TestUpdatePullRequestClose(t *testing.T) {
	var receivedBody map[string]any
	var receivedMethod string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		receivedMethod = request.Method
		if request.URL.Path != "/repos/owner/repo/pulls/42" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		json.NewDecoder(request.Body).Decode(&receivedBody)
		json.NewEncoder(writer).Encode(PullRequest{Number: 42, State: "closed"})
	}))
	defer server.Close()

	closed := "closed"
	client := newTestClient(t, server)
	pull, err := client.UpdatePullRequest(context.Background(), "owner", "repo", 42, UpdatePullRequestRequest{
		State: &closed,
	})
	if err != nil {
		t.Fatalf("UpdatePullRequest: %v", err)
	}

	if receivedMethod != "PATCH" {
		t.Errorf("method = %s, want PATCH", receivedMethod)
	}
	if receivedBody["state"] != "closed" {
		t.Errorf("request body = %v, want state=closed", receivedBody)
	}
	if _, hasTitle := receivedBody["title"]; hasTitle {
		t.Error("nil Title was serialized; partial updates must omit unset fields")
	}
	if pull.State != "closed" {
		t.Errorf("State = %q, want closed", pull.State)
	}
}

func TestCreateIssueComment(t *testing.T) {
	var receivedBody struct {
		Body string `json:"body"`
	}
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/repos/owner/repo/issues/42/comments" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		json.NewDecoder(request.Body).Decode(&receivedBody)
		writer.WriteHeader(http.StatusCreated)
		json.NewEncoder(writer).Encode(Comment{ID: 9, Body: receivedBody.Body})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	comment, err := client.CreateIssueComment(context.Background(), "owner", "repo", 42, "Tests pass.")
	if err != nil {
		t.Fatalf("CreateIssueComment: %v", err)
	}

	if receivedBody.Body != "Tests pass." {
		t.Errorf("body = %q", receivedBody.Body)
	}
	if comment.ID != 9 {
		t.Errorf("ID = %d, want 9", comment.ID)
	}
}
