// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gitcli

import (
	"fmt"
	"path"
	"strings"
)

// readOnlyPatterns are the git subcommands the passthrough surface
// admits, as path.Match globs against the first argument. Everything
// that can write the repository, the remote, or the filesystem is
// absent: no fetch, no checkout, no worktree, no config.
var readOnlyPatterns = []string{
	"blame",
	"branch",
	"cat-file",
	"describe",
	"diff",
	"grep",
	"log",
	"ls-*",
	"merge-base",
	"name-rev",
	"reflog",
	"rev-*",
	"shortlog",
	"show",
	"show-*",
	"status",
	"tag",
	"var",
}

// deniedFlags are argument prefixes that turn a read-only subcommand
// into arbitrary execution or output redirection. Checked against
// every argument, not just the first.
var deniedFlags = []string{
	"--upload-pack",
	"--receive-pack",
	"--exec",
	"--output",
	"-o",
	"--ext-diff",
	"--textconv",
	"--config-env",
	"-c",
	"-C",
	"--git-dir",
	"--work-tree",
	"--edit",
	"-d",
	"-D",
	"-m",
	"-M",
	"--delete",
	"--move",
	"--copy",
	"--create-reflog",
	"--force",
	"-f",
}

// CheckReadOnly validates a passthrough git command: a non-empty
// argument list whose first element matches an allowed subcommand and
// whose flags cannot escalate. Writing subcommands of branch and tag
// (delete, move, force) are caught by the flag screen.
func CheckReadOnly(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("gitcli: empty command")
	}

	subcommand := args[0]
	if strings.HasPrefix(subcommand, "-") {
		return fmt.Errorf("gitcli: command must start with a git subcommand, not flag %q", subcommand)
	}

	allowed := false
	for _, pattern := range readOnlyPatterns {
		if matched, err := path.Match(pattern, subcommand); err == nil && matched {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("gitcli: subcommand %q is not on the read-only allowlist", subcommand)
	}

	for _, arg := range args[1:] {
		for _, denied := range deniedFlags {
			if arg == denied || strings.HasPrefix(arg, denied+"=") {
				return fmt.Errorf("gitcli: flag %q is not allowed on the read-only surface", arg)
			}
		}
	}

	return nil
}
