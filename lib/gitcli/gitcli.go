// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package gitcli runs the git CLI against a working repository with
// credentials injected through the subprocess environment.
//
// The token travels as a GIT_CONFIG_* environment triplet setting
// http.<base>.extraheader — never as an argv element, because argv is
// world-readable through /proc/<pid>/cmdline while the environment is
// readable only by the same UID and root. The subprocess environment
// is otherwise minimal and pins GIT_CONFIG_NOSYSTEM/GIT_CONFIG_GLOBAL
// so no ambient gitconfig can redirect pushes or add credential
// helpers.
package gitcli

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxOutputBytes bounds captured stdout/stderr per invocation. Git
// output past this point is truncated, not an error.
const maxOutputBytes = 1 << 20

// defaultTimeout bounds a single git invocation. Pushes over slow
// links can be slow; reads are fast. One generous bound covers both.
const defaultTimeout = 5 * time.Minute

// Config holds the parameters for opening a Repository.
type Config struct {
	// Dir is the working repository directory. Required.
	Dir string

	// GitPath is the git executable. Defaults to "git" resolved via
	// PATH.
	GitPath string

	// Timeout bounds each git invocation. Defaults to 5 minutes.
	Timeout time.Duration

	// CredentialHost pins credential injection to one forge host: a
	// token is only attached when the remote names this host, and the
	// extraheader scope never widens past it. Required for any
	// operation that supplies a token.
	CredentialHost string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Repository runs git commands in one working directory. Safe for
// concurrent use; git serializes conflicting operations itself via
// its own lock files.
type Repository struct {
	dir            string
	gitPath        string
	timeout        time.Duration
	credentialHost string
	logger         *slog.Logger
}

// Result holds the captured output of a git invocation. Output is
// truncated at maxOutputBytes.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned when git exits non-zero. The message carries
// stderr, which is where git puts its diagnostics. Never contains the
// injected credential: the token exists only in the subprocess
// environment.
type ExitError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (err *ExitError) Error() string {
	return fmt.Sprintf("gitcli: git %s exited %d: %s",
		strings.Join(err.Args, " "), err.ExitCode, strings.TrimSpace(err.Stderr))
}

// Open creates a Repository for the given directory.
func Open(config Config) (*Repository, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("gitcli: Dir is required")
	}
	info, err := os.Stat(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("gitcli: repository directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("gitcli: %s is not a directory", config.Dir)
	}

	gitPath := config.GitPath
	if gitPath == "" {
		gitPath = "git"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Repository{
		dir:            config.Dir,
		gitPath:        gitPath,
		timeout:        timeout,
		credentialHost: config.CredentialHost,
		logger:         logger,
	}, nil
}

// PushOptions controls a push.
type PushOptions struct {
	// Remote is the destination URL. Must be HTTPS when a token is
	// injected.
	Remote string

	// Refspec is the refspec to push, e.g. "agent/feature-1" or
	// "HEAD:agent/feature-1".
	Refspec string

	// Force uses --force-with-lease, which fails if the remote ref
	// moved since the last fetch. Plain --force is not offered.
	Force bool

	// Token is the platform credential, injected via the environment.
	Token string
}

// Push pushes one refspec to a remote.
func (repo *Repository) Push(ctx context.Context, options PushOptions) (*Result, error) {
	if options.Remote == "" || options.Refspec == "" {
		return nil, fmt.Errorf("gitcli: push requires remote and refspec")
	}

	env, err := repo.environment(options.Remote, options.Token)
	if err != nil {
		return nil, err
	}

	args := []string{"push"}
	if options.Force {
		args = append(args, "--force-with-lease")
	}
	args = append(args, options.Remote, options.Refspec)

	return repo.run(ctx, env, args...)
}

// FetchOptions controls a fetch.
type FetchOptions struct {
	// Remote is the source URL. Must be HTTPS when a token is
	// injected.
	Remote string

	// Refspecs are the refspecs to fetch. Empty fetches the remote's
	// default refs.
	Refspecs []string

	// Prune removes remote-tracking refs that no longer exist
	// upstream.
	Prune bool

	// Token is the platform credential, injected via the environment.
	// Empty for public remotes.
	Token string
}

// Fetch fetches from a remote.
func (repo *Repository) Fetch(ctx context.Context, options FetchOptions) (*Result, error) {
	if options.Remote == "" {
		return nil, fmt.Errorf("gitcli: fetch requires remote")
	}

	env, err := repo.environment(options.Remote, options.Token)
	if err != nil {
		return nil, err
	}

	args := []string{"fetch"}
	if options.Prune {
		args = append(args, "--prune")
	}
	args = append(args, options.Remote)
	args = append(args, options.Refspecs...)

	return repo.run(ctx, env, args...)
}

// ReadOnly runs an arbitrary git command restricted to the read-only
// subcommand allowlist. Token is injected when non-empty (ls-remote
// against a private remote needs one). Returns a validation error
// before any subprocess is started when the command is not allowed.
func (repo *Repository) ReadOnly(ctx context.Context, args []string, token string) (*Result, error) {
	if err := CheckReadOnly(args); err != nil {
		return nil, err
	}

	env, err := repo.environment("", token)
	if err != nil {
		return nil, err
	}
	return repo.run(ctx, env, args...)
}

// run executes git with the given environment and arguments, capturing
// bounded output. Non-zero exit returns both the populated Result and
// an *ExitError.
func (repo *Repository) run(ctx context.Context, env []string, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, repo.timeout)
	defer cancel()

	full := append([]string{"-C", repo.dir}, args...)
	cmd := exec.CommandContext(ctx, repo.gitPath, full...)
	cmd.Env = env

	var stdout, stderr boundedBuffer
	stdout.limit = maxOutputBytes
	stderr.limit = maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	repo.logger.Debug("running git", "args", args)
	err := cmd.Run()

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{
				Args:     args,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
			}
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("gitcli: git %s: %w", args[0], ctx.Err())
		}
		return result, fmt.Errorf("gitcli: running git: %w", err)
	}

	return result, nil
}

// environment builds the sanitized subprocess environment. A non-empty
// token is attached as an extraheader config entry scoped to the
// configured credential host, and only after the remote is confirmed
// to name that host over HTTPS. The scope never widens past the one
// host, so even a redirecting remote cannot carry the header
// elsewhere.
func (repo *Repository) environment(remote, token string) ([]string, error) {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + repo.dir,
		"LC_ALL=C",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL=/dev/null",
	}

	if token == "" {
		return env, nil
	}

	if repo.credentialHost == "" {
		return nil, fmt.Errorf("gitcli: credential injection requires a configured credential host")
	}
	if remote != "" {
		parsed, err := url.Parse(remote)
		if err != nil {
			return nil, fmt.Errorf("gitcli: parsing remote URL: %w", err)
		}
		if parsed.Scheme != "https" {
			return nil, fmt.Errorf("gitcli: credential injection requires an HTTPS remote (got %q)", parsed.Scheme)
		}
		if !strings.EqualFold(parsed.Host, repo.credentialHost) {
			return nil, fmt.Errorf("gitcli: remote host %q does not match credential host %q", parsed.Host, repo.credentialHost)
		}
	}
	scope := "https://" + repo.credentialHost + "/"

	basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	env = append(env,
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http."+scope+".extraheader",
		"GIT_CONFIG_VALUE_0=AUTHORIZATION: basic "+basic,
	)
	return env, nil
}

// boundedBuffer is a bytes.Buffer that silently discards writes past
// its limit. Write never errors: a truncated capture must not abort
// the git process mid-run.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }
