// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// forgeguard-git is the in-sandbox command line for the gateway. It
// holds no platform credential — only the gateway shared secret from
// the environment — and turns subcommands into gateway API calls:
//
//	forgeguard-git push --repo /repos/project --remote https://github.com/acme/widgets --refspec agent/fix
//	forgeguard-git pr create --repo acme/widgets --title "Fix" --head agent/fix --base main
//	forgeguard-git exec --repo /repos/project -- log --oneline -5
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/forgeguard/forgeguard/lib/gatewayclient"
	"github.com/forgeguard/forgeguard/lib/version"
)

const (
	socketEnv = "FORGEGUARD_SOCKET"
	secretEnv = "FORGEGUARD_SECRET"

	defaultSocket = "/run/forgeguard/gateway.sock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		usage()
		return nil
	}
	if args[0] == "--version" {
		fmt.Printf("forgeguard-git %s\n", version.Info())
		return nil
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := args[0]
	rest := args[1:]
	if command == "pr" {
		if len(rest) == 0 {
			return fmt.Errorf("pr requires a subcommand: create, comment, edit, close")
		}
		command = "pr-" + rest[0]
		rest = rest[1:]
	}

	switch command {
	case "push":
		return runPush(ctx, client, rest)
	case "fetch":
		return runFetch(ctx, client, rest)
	case "pr-create":
		return runPRCreate(ctx, client, rest)
	case "pr-comment":
		return runPRComment(ctx, client, rest)
	case "pr-edit":
		return runPREdit(ctx, client, rest)
	case "pr-close":
		return runPRClose(ctx, client, rest)
	case "exec":
		return runExec(ctx, client, rest)
	case "health":
		return runHealth(ctx, client)
	default:
		return fmt.Errorf("unknown command %q (see --help)", command)
	}
}

func newClient() (*gatewayclient.Client, error) {
	secret := os.Getenv(secretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s is not set", secretEnv)
	}
	socket := os.Getenv(socketEnv)
	if socket == "" {
		socket = defaultSocket
	}
	return gatewayclient.New(socket, secret), nil
}

func runPush(ctx context.Context, client *gatewayclient.Client, args []string) error {
	var request gatewayclient.PushRequest
	flags := pflag.NewFlagSet("push", pflag.ContinueOnError)
	flags.StringVar(&request.RepoPath, "repo", "", "repository path (required)")
	flags.StringVar(&request.Remote, "remote", "", "remote URL (required)")
	flags.StringVar(&request.Refspec, "refspec", "", "refspec to push (required)")
	flags.BoolVar(&request.Force, "force", false, "force push (with lease)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := client.Push(ctx, request)
	if err != nil {
		return err
	}
	return printGitResult(result)
}

func runFetch(ctx context.Context, client *gatewayclient.Client, args []string) error {
	var request gatewayclient.FetchRequest
	flags := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	flags.StringVar(&request.RepoPath, "repo", "", "repository path (required)")
	flags.StringVar(&request.Remote, "remote", "", "remote URL (required)")
	flags.StringSliceVar(&request.Refspecs, "refspec", nil, "refspecs to fetch (repeatable)")
	flags.BoolVar(&request.Prune, "prune", false, "prune deleted remote refs")
	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := client.Fetch(ctx, request)
	if err != nil {
		return err
	}
	return printGitResult(result)
}

func runPRCreate(ctx context.Context, client *gatewayclient.Client, args []string) error {
	var request gatewayclient.PRCreateRequest
	flags := pflag.NewFlagSet("pr create", pflag.ContinueOnError)
	flags.StringVar(&request.Repo, "repo", "", `repository as "owner/name" (required)`)
	flags.StringVar(&request.Title, "title", "", "pull request title (required)")
	flags.StringVar(&request.Body, "body", "", "pull request body")
	flags.StringVar(&request.Head, "head", "", "source branch (required)")
	flags.StringVar(&request.Base, "base", "", "target branch (required)")
	flags.BoolVar(&request.Draft, "draft", false, "open as draft")
	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := client.CreatePR(ctx, request)
	if err != nil {
		return err
	}
	fmt.Printf("#%d %s %s\n", result.Number, result.State, result.HTMLURL)
	return nil
}

func runPRComment(ctx context.Context, client *gatewayclient.Client, args []string) error {
	var request gatewayclient.PRCommentRequest
	flags := pflag.NewFlagSet("pr comment", pflag.ContinueOnError)
	flags.StringVar(&request.Repo, "repo", "", `repository as "owner/name" (required)`)
	flags.IntVar(&request.PRNumber, "number", 0, "pull request number (required)")
	flags.StringVar(&request.Body, "body", "", "comment body (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := client.CommentPR(ctx, request)
	if err != nil {
		return err
	}
	fmt.Printf("comment %d %s\n", result.ID, result.HTMLURL)
	return nil
}

func runPREdit(ctx context.Context, client *gatewayclient.Client, args []string) error {
	var request gatewayclient.PREditRequest
	var title, body string
	flags := pflag.NewFlagSet("pr edit", pflag.ContinueOnError)
	flags.StringVar(&request.Repo, "repo", "", `repository as "owner/name" (required)`)
	flags.IntVar(&request.PRNumber, "number", 0, "pull request number (required)")
	flags.StringVar(&title, "title", "", "new title")
	flags.StringVar(&body, "body", "", "new body")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.Changed("title") {
		request.Title = &title
	}
	if flags.Changed("body") {
		request.Body = &body
	}

	result, err := client.EditPR(ctx, request)
	if err != nil {
		return err
	}
	fmt.Printf("#%d %s %s\n", result.Number, result.State, result.HTMLURL)
	return nil
}

func runPRClose(ctx context.Context, client *gatewayclient.Client, args []string) error {
	var request gatewayclient.PRCloseRequest
	flags := pflag.NewFlagSet("pr close", pflag.ContinueOnError)
	flags.StringVar(&request.Repo, "repo", "", `repository as "owner/name" (required)`)
	flags.IntVar(&request.PRNumber, "number", 0, "pull request number (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	result, err := client.ClosePR(ctx, request)
	if err != nil {
		return err
	}
	fmt.Printf("#%d %s %s\n", result.Number, result.State, result.HTMLURL)
	return nil
}

func runExec(ctx context.Context, client *gatewayclient.Client, args []string) error {
	var request gatewayclient.ExecuteRequest
	flags := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	flags.StringVar(&request.RepoPath, "repo", "", "repository path (required)")
	flags.BoolVar(&request.RequireAuth, "auth", false, "inject the platform credential (private ls-remote)")
	flags.SetInterspersed(false) // everything after the first positional goes to git
	if err := flags.Parse(args); err != nil {
		return err
	}
	request.Args = flags.Args()
	if len(request.Args) == 0 {
		return fmt.Errorf("exec requires git arguments after the flags, e.g. -- log --oneline")
	}

	result, err := client.Execute(ctx, request)
	if err != nil {
		return err
	}
	return printGitResult(result)
}

func runHealth(ctx context.Context, client *gatewayclient.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\ncredential_valid: %v\n", health.Status, health.CredentialValid)
	return nil
}

func printGitResult(result *gatewayclient.GitResult) error {
	if result.Stdout != "" {
		fmt.Print(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			fmt.Println()
		}
	}
	if result.Stderr != "" {
		fmt.Fprint(os.Stderr, result.Stderr)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git exited %d", result.ExitCode)
	}
	return nil
}

func usage() {
	fmt.Print(`forgeguard-git — sandbox-side gateway client

Commands:
  push        push a refspec through the gateway
  fetch       fetch from a remote through the gateway
  pr create   open a pull request
  pr comment  comment on an agent-owned pull request
  pr edit     retitle or rewrite an agent-owned pull request
  pr close    close an agent-owned pull request
  exec        run a read-only git command
  health      gateway health report

Environment:
  FORGEGUARD_SOCKET  gateway socket path (default ` + defaultSocket + `)
  FORGEGUARD_SECRET  gateway shared secret (required)

Run "forgeguard-git <command> --help" for command flags.
`)
}
