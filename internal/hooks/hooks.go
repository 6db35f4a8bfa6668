// Package hooks runs the shell commands an operator can bind to treebeard's
// lifecycle events, expanding a small template language and exporting the
// same values as TREEBEARD_* environment variables.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/divmain/treebeard/internal/errs"
)

// Context carries the values a hook command may reference, either through
// {{...}} template substitution or TREEBEARD_* environment variables.
type Context struct {
	Branch       string
	MountPath    string
	WorktreePath string
	RepoPath     string
	Diff         string
	HasDiff      bool
}

// NewContext builds a Context without a diff payload.
func NewContext(branch, mountPath, worktreePath, repoPath string) Context {
	return Context{Branch: branch, MountPath: mountPath, WorktreePath: worktreePath, RepoPath: repoPath}
}

// WithDiff returns a copy of c carrying diff, used by the commit_message
// hook so it can summarize what changed.
func (c Context) WithDiff(diff string) Context {
	c.Diff = diff
	c.HasDiff = true
	return c
}

// EnvVars returns the TREEBEARD_* environment assignments for this context,
// in "KEY=value" form ready to append to exec.Cmd.Env.
func (c Context) EnvVars() []string {
	return []string{
		"TREEBEARD_BRANCH=" + c.Branch,
		"TREEBEARD_MOUNT_PATH=" + c.MountPath,
		"TREEBEARD_WORKTREE_PATH=" + c.WorktreePath,
		"TREEBEARD_REPO_PATH=" + c.RepoPath,
	}
}

// shellEscape single-quotes s for safe interpolation into an `sh -c` string,
// escaping embedded single quotes the POSIX-portable way: close the quote,
// emit an escaped quote, reopen the quote.
func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// expandTemplate replaces {{branch}}, {{mount_path}}, {{worktree_path}},
// {{repo_path}}, and {{diff}} in template with c's values. Every substituted
// value is shell-escaped; the diff is the one most likely to contain
// characters a naive substitution would let become a shell injection.
func expandTemplate(template string, c Context) string {
	r := strings.NewReplacer(
		"{{branch}}", shellEscape(c.Branch),
		"{{mount_path}}", shellEscape(c.MountPath),
		"{{worktree_path}}", shellEscape(c.WorktreePath),
		"{{repo_path}}", shellEscape(c.RepoPath),
		"{{diff}}", shellEscape(c.Diff),
	)
	return r.Replace(template)
}

// Run executes each command in commands in order via `sh -c`, stopping at
// the first failure. Each command's stdin is closed (hooks are never
// interactive) and TREEBEARD_* variables are appended to its environment.
func Run(ctx context.Context, commands []string, hookCtx Context) error {
	for _, tmpl := range commands {
		expanded := expandTemplate(tmpl, hookCtx)
		cmd := exec.CommandContext(ctx, "sh", "-c", expanded)
		cmd.Stdin = nil
		cmd.Env = append(cmd.Environ(), hookCtx.EnvVars()...)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return &errs.Hook{Msg: fmt.Sprintf("%q: %s", tmpl, strings.TrimSpace(stderr.String())), Cause: err}
		}
	}
	return nil
}

// RunCommitMessageHook runs a single hook command and returns its trimmed
// stdout as the commit message. An empty (or all-whitespace) result is
// reported as ok=false so the caller falls back to the configured default
// message. A non-zero exit is always an error: unlike lifecycle hooks, a
// broken commit_message hook should be visible rather than silently
// swallowed.
func RunCommitMessageHook(ctx context.Context, command string, hookCtx Context) (message string, ok bool, err error) {
	expanded := expandTemplate(command, hookCtx)
	cmd := exec.CommandContext(ctx, "sh", "-c", expanded)
	cmd.Stdin = nil
	cmd.Env = append(cmd.Environ(), hookCtx.EnvVars()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if runErr := cmd.Run(); runErr != nil {
		return "", false, &errs.Hook{Msg: strings.TrimSpace(stderr.String()), Cause: runErr}
	}

	trimmed := strings.TrimSpace(stdout.String())
	if trimmed == "" {
		return "", false, nil
	}
	return trimmed, true, nil
}
