// Package gitdriver wraps git subprocess invocations with retry-on-transient
// -error backoff and the handful of porcelain/plumbing operations treebeard's
// core needs: worktree lifecycle, identity setup, ignore-checking, and
// commit/squash.
package gitdriver

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/divmain/treebeard/internal/errs"
)

const (
	retryInitialDelay = 100 * time.Millisecond
	retryMaxAttempts  = 3
	retryMultiplier   = 2
)

// transientPatterns are stderr substrings that indicate a retryable failure
// rather than a genuine error (lock contention from a concurrent git
// process, usually). Matched case-insensitively.
var transientPatterns = []string{
	"index.lock",
	"unable to create",
	"file exists",
	"permission denied",
	"could not lock",
}

func isTransientGitError(stderr string) bool {
	lowered := strings.ToLower(stderr)
	for _, p := range transientPatterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// sleepFunc exists so tests can avoid real delays.
var sleepFunc = time.Sleep

// Repo wraps a checked-out git repository (the main repo, not a worktree).
type Repo struct {
	Dir string
}

// New constructs a Repo rooted at dir.
func New(dir string) *Repo {
	return &Repo{Dir: dir}
}

// runIn executes git with args inside workDir, retrying on a transient
// failure with exponential backoff.
func runIn(workDir string, args ...string) (string, error) {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = workDir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return strings.TrimSpace(stdout.String()), nil
		}

		stderrText := strings.TrimSpace(stderr.String())
		lastErr = &errs.Git{Msg: fmt.Sprintf("%s: %s", strings.Join(args, " "), stderrText), Cause: err}

		if !isTransientGitError(stderrText) {
			return "", lastErr
		}
		if attempt == retryMaxAttempts-1 {
			break
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", lastErr
}

func (r *Repo) run(args ...string) (string, error) {
	return runIn(r.Dir, args...)
}

// IsGitRepository reports whether dir is inside a git work tree.
func IsGitRepository(dir string) bool {
	out, err := runIn(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// FindGitDir walks up from start looking for a .git directory or file
// (worktrees use a .git file pointing at the real gitdir).
func FindGitDir(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".git")
		if _, err := os.Lstat(candidate); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errs.NotAGitRepository(start)
		}
		dir = parent
	}
}

// BranchExists reports whether name resolves to a ref.
func (r *Repo) BranchExists(name string) bool {
	_, err := r.run("rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// CreateBranch creates name pointing at from (HEAD if from is empty).
func (r *Repo) CreateBranch(name, from string) error {
	args := []string{"branch", name}
	if from != "" {
		args = append(args, from)
	}
	_, err := r.run(args...)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return errs.BranchAlreadyExists(name)
	}
	return err
}

// WorktreeAdd creates a worktree at path checked out to branch.
func (r *Repo) WorktreeAdd(path, branch string) error {
	_, err := r.run("worktree", "add", path, branch)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return errs.WorktreeAlreadyExists(path)
	}
	return err
}

// WorktreeRemove removes the worktree at path. force also discards any
// uncommitted state in it.
func (r *Repo) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := r.run(args...)
	if err != nil && strings.Contains(err.Error(), "is not a working tree") {
		return errs.WorktreeNotFound(path)
	}
	return err
}

// WorktreePrune removes administrative files for worktrees whose directory
// no longer exists.
func (r *Repo) WorktreePrune() error {
	_, err := r.run("worktree", "prune")
	return err
}

// HasUncommittedChanges reports whether the worktree at dir has any
// modified, staged, or untracked files.
func HasUncommittedChanges(dir string) (bool, error) {
	out, err := runIn(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Stash stashes all changes (including untracked files) in dir under
// message, used before destructively recreating a worktree.
func Stash(dir, message string) error {
	_, err := runIn(dir, "stash", "push", "--include-untracked", "-m", message)
	return err
}

// StageAll stages every change, including untracked files, in dir.
func StageAll(dir string) error {
	_, err := runIn(dir, "add", "-A")
	return err
}

// Commit creates a commit in dir with message. Hooks are skipped: treebeard
// commits are an internal bookkeeping mechanism, not a user-authored commit
// a pre-commit hook should gate.
func Commit(dir, message string) error {
	_, err := runIn(dir, "commit", "--no-verify", "-m", message)
	return err
}

// DeleteBranch deletes name, forcing the delete (discarding unmerged
// commits) when force is set.
func DeleteBranch(dir, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := runIn(dir, "branch", flag, name)
	return err
}

// WorktreeExists reports whether path appears in `git worktree list`.
func WorktreeExists(dir, path string) bool {
	worktrees, err := ListWorktrees(dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, w := range worktrees {
		if w == abs || w == path {
			return true
		}
	}
	return false
}

// ListWorktrees returns the absolute paths of every worktree registered
// against dir, parsed from `git worktree list --porcelain`.
func ListWorktrees(dir string) ([]string, error) {
	out, err := runIn(dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// GetHead returns the commit hash HEAD currently resolves to in dir.
func GetHead(dir string) (string, error) {
	return runIn(dir, "rev-parse", "HEAD")
}

// GetCommitCountSince returns the number of commits reachable from branch
// but not from base, used to decide whether CleanupOrchestrator's squash
// step has anything to do.
func GetCommitCountSince(dir, branch, base string) (int, error) {
	out, err := runIn(dir, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	var n int
	if _, scanErr := fmt.Sscanf(out, "%d", &n); scanErr != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, scanErr)
	}
	return n, nil
}

// GetDirtyFilesCount returns the number of entries `git status --porcelain`
// reports in dir.
func GetDirtyFilesCount(dir string) (int, error) {
	out, err := runIn(dir, "status", "--porcelain")
	if err != nil {
		return 0, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return 0, nil
	}
	return len(strings.Split(out, "\n")), nil
}

// StageChanges stages everything and returns the staged diff, or ok=false
// if staging produced no changes. The hook-driven commit mode skips the
// commit entirely in that case.
func StageChanges(dir string) (diff string, ok bool, err error) {
	if err := StageAll(dir); err != nil {
		return "", false, err
	}
	hasChanges, err := HasUncommittedChanges(dir)
	if err != nil {
		return "", false, err
	}
	if !hasChanges {
		return "", false, nil
	}
	out, err := runIn(dir, "diff", "--cached")
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// CommitStaged commits whatever is currently staged in dir with message,
// the second half of the hook-driven commit mode's stage_changes/
// commit_staged pair.
func CommitStaged(dir, message string) error {
	return Commit(dir, message)
}

// Squash resets dir's branch to baseRef, then recommits everything that was
// undone as a single commit with message. On any failure after the reset,
// it hard-resets back to
// the HEAD captured before the reset; a rollback failure is a critical
// error the caller must surface, since the branch could otherwise be left
// in a half-squashed state.
func Squash(dir, baseRef, message string) error {
	originalHead, err := GetHead(dir)
	if err != nil {
		return err
	}

	if _, err := runIn(dir, "reset", "--soft", baseRef); err != nil {
		return err
	}

	if err := squashCommit(dir, message); err != nil {
		if _, rollbackErr := runIn(dir, "reset", "--hard", originalHead); rollbackErr != nil {
			return fmt.Errorf("squash failed (%v) AND rollback to %s failed: %w", err, originalHead, rollbackErr)
		}
		return fmt.Errorf("squash failed, rolled back to %s: %w", originalHead, err)
	}
	return nil
}

func squashCommit(dir, message string) error {
	if err := StageAll(dir); err != nil {
		return err
	}
	hasChanges, err := HasUncommittedChanges(dir)
	if err != nil {
		return err
	}
	if !hasChanges {
		return nil
	}
	return Commit(dir, message)
}

// OfferStashIfNeeded stashes dir's uncommitted changes (including untracked
// files) before a destructive worktree operation, when nonInteractive is
// set. Interactive confirmation is the caller's responsibility (it lives in
// the CLI's prompt layer); this function only performs the stash once a
// decision to do so has been made.
func OfferStashIfNeeded(dir string, nonInteractive bool) (stashed bool, err error) {
	dirty, err := HasUncommittedChanges(dir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if !nonInteractive {
		return false, nil
	}
	if err := Stash(dir, "treebeard: auto-stash before worktree operation"); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureIdentity sets user.name/user.email in dir's local config if neither
// resolves from any more global scope, avoiding "Author identity unknown"
// failures in freshly created worktrees.
func EnsureIdentity(dir string) {
	if _, err := runIn(dir, "config", "user.name"); err != nil {
		_, _ = runIn(dir, "config", "user.name", "treebeard")
	}
	if _, err := runIn(dir, "config", "user.email"); err != nil {
		_, _ = runIn(dir, "config", "user.email", "treebeard@localhost")
	}
}

// CheckIgnoreBatch classifies every path in paths as ignored or not, using a
// single `git check-ignore --stdin -z` invocation. Returns the subset
// that git considers ignored.
func CheckIgnoreBatch(repoDir string, paths []string) (map[string]bool, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	cmd := exec.Command("git", "check-ignore", "--stdin", "-z")
	cmd.Dir = repoDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		defer stdin.Close()
		for _, p := range paths {
			stdin.Write([]byte(p))
			stdin.Write([]byte{0})
		}
	}()

	// check-ignore exits 1 when nothing matched, which is a normal outcome
	// here, not a failure.
	err = cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		err = nil
	}
	if err != nil {
		return nil, &errs.Git{Msg: "check-ignore", Cause: err}
	}

	ignored := make(map[string]bool)
	for _, p := range strings.Split(stdout.String(), "\x00") {
		if p != "" {
			ignored[p] = true
		}
	}
	return ignored, nil
}

// Version runs `git --version` and parses it as a semver, used to gate the
// overlay's optional reflink copy-up fast path.
func Version() (*semver.Version, error) {
	out, err := runIn(".", "--version")
	if err != nil {
		return nil, err
	}
	// "git version 2.43.0" (possibly with a vendor suffix after the number).
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return nil, fmt.Errorf("unparseable git --version output: %q", out)
	}
	return semver.NewVersion(fields[2])
}
