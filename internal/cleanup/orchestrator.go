// Package cleanup implements treebeard's ordered teardown state machine:
// pre-hook, session removal, unmount, squash, sync, worktree removal, and
// post-hook, run exactly once under a single-flight guard whether triggered
// by normal exit or an interrupt signal.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/divmain/treebeard/internal/config"
	"github.com/divmain/treebeard/internal/gitdriver"
	"github.com/divmain/treebeard/internal/hooks"
	"github.com/divmain/treebeard/internal/overlay"
	"github.com/divmain/treebeard/internal/session"
)

// Syncer is the interface CleanupOrchestrator needs from internal/sync,
// kept narrow so cleanup doesn't need to know sync's internal types.
type Syncer interface {
	Run(ctx context.Context) (Outcome string, synced int, failed int, err error)
	GitCheckFailed() bool
	// SymlinkCount reports how many symlinks the sync phase skipped; they
	// are never copied back, only surfaced in the final summary.
	SymlinkCount() int
}

// Prompter asks the user yes/no or type-to-confirm questions. The real
// interactive implementation (reading from a terminal, rendering the TUI)
// lives with the CLI; tests and non-interactive callers supply a canned
// Prompter.
type Prompter interface {
	Confirm(prompt string, defaultYes bool) bool
	ConfirmTyped(prompt, expected string) bool
}

// Config bundles everything a single cleanup run needs.
type Config struct {
	Branch       string
	RepoPath     string
	WorktreePath string
	MountPath    string
	// BaseRef is the ref the branch was created from, used to count
	// commits-since and as the squash target.
	BaseRef string

	Cfg       *config.Config
	Session   *session.Store
	SessionID string

	Mount *overlay.MountedFs
	Mgr   *overlay.MountManager

	Sync     Syncer
	Prompter Prompter

	Log *slog.Logger
}

// Result reports what each best-effort step actually did, for the final
// summary the CLI prints.
type Result struct {
	AutoCommitFailures uint64
	PreHookErr         error
	SessionRemoveErr   error
	FuseCleanup        overlay.FuseCleanupResult
	SquashPerformed    bool
	SquashErr          error
	SyncOutcome        string
	SyncSynced         int
	SyncFailed         int
	SyncSymlinks       int
	SyncErr            error
	WorktreeRemoved    bool
	WorktreeRemoveErr  error
	PostHookErr        error
}

// singleflightGroup is process-wide: both the normal exit path and a signal
// handler call the same Orchestrator.Run, and must share this guard so
// cleanup executes exactly once.
var singleflightGroup singleflight.Group

// completed holds the Result of every teardown that has finished, keyed by
// repo path and branch, so a later Run for the same session returns it
// instead of tearing down a second time.
var completed sync.Map

// Orchestrator drives the ordered teardown.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, log: logger}
}

// FailureCounter reports the Watcher's auto-commit failure count so the
// first teardown step can surface it without the orchestrator importing the
// watcher package.
type FailureCounter interface {
	Failures() uint64
}

// Run executes the ordered teardown exactly once, sharing the single-flight
// guard across every Orchestrator instance in the process (there is at most
// one cleanup per branch session in practice, but the guard is global so a
// signal arriving during a normal-path cleanup of session A never races a
// second invocation of the same session).
func (o *Orchestrator) Run(ctx context.Context, failures FailureCounter) (*Result, error) {
	key := o.cfg.RepoPath + "\x00" + o.cfg.Branch
	if prev, ok := completed.Load(key); ok {
		return prev.(*Result), nil
	}
	v, err, _ := singleflightGroup.Do(key, func() (interface{}, error) {
		if prev, ok := completed.Load(key); ok {
			return prev, nil
		}
		res := o.run(ctx, failures)
		completed.Store(key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (o *Orchestrator) run(ctx context.Context, failures FailureCounter) *Result {
	res := &Result{}

	// Step 1: surface auto-commit failures.
	if failures != nil {
		res.AutoCommitFailures = failures.Failures()
		if res.AutoCommitFailures > 0 {
			o.log.Warn("auto-commit failures during session", "branch", o.cfg.Branch, "count", res.AutoCommitFailures)
		}
	}

	// Step 2: pre_cleanup hooks. hookCwd (mount path, or worktree when not
	// mounted) is handed to runHooks, which does not apply it.
	hookCwd := o.cfg.MountPath
	if o.cfg.Mount == nil {
		hookCwd = o.cfg.WorktreePath
	}
	res.PreHookErr = o.runHooks(ctx, o.cfg.Cfg.Hooks.PreCleanup, hookCwd)
	if res.PreHookErr != nil {
		o.log.Warn("pre_cleanup hook failed", "error", res.PreHookErr)
	}

	// Step 3: remove the active-session record.
	if o.cfg.Session != nil && o.cfg.SessionID != "" {
		if err := o.cfg.Session.Remove(o.cfg.SessionID); err != nil {
			res.SessionRemoveErr = err
			o.log.Warn("remove session record failed", "error", err)
		}
	}

	// Step 4: unmount and remove the mount directory.
	if o.cfg.Mgr != nil && o.cfg.MountPath != "" {
		res.FuseCleanup = o.cfg.Mgr.PerformFuseCleanup(o.cfg.MountPath)
		if !res.FuseCleanup.UnmountSucceeded {
			o.log.Warn("unmount failed", "mount_path", o.cfg.MountPath)
		}
	}

	// Step 5: squash behavior driven by on_exit.
	o.squash(res)

	// Step 6: sync phase.
	if o.cfg.Sync != nil {
		outcome, synced, failed, err := o.cfg.Sync.Run(ctx)
		res.SyncOutcome = outcome
		res.SyncSynced = synced
		res.SyncFailed = failed
		res.SyncSymlinks = o.cfg.Sync.SymlinkCount()
		res.SyncErr = err
		if err != nil {
			o.log.Warn("sync phase failed", "error", err)
		}
	}

	// Step 7: worktree deletion.
	o.removeWorktree(res)

	// Step 8: post_cleanup hooks; the main-repo path passed as cwd is not
	// applied either (see runHooks).
	res.PostHookErr = o.runHooks(ctx, o.cfg.Cfg.Hooks.PostCleanup, o.cfg.RepoPath)
	if res.PostHookErr != nil {
		o.log.Warn("post_cleanup hook failed", "error", res.PostHookErr)
	}

	// Step 9 (release the single-flight guard) happens in Run, which records
	// res in completed before singleflightGroup.Do's function body returns.
	return res
}

// runHooks runs command with the session's hook context. The cwd argument
// is not used: the hook runs in the treebeard process's working directory.
func (o *Orchestrator) runHooks(ctx context.Context, command string, cwd string) error {
	if command == "" {
		return nil
	}
	hookCtx := hooks.NewContext(o.cfg.Branch, o.cfg.MountPath, o.cfg.WorktreePath, o.cfg.RepoPath)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		runCtx, cancel := context.WithTimeout(egCtx, 5*time.Minute)
		defer cancel()
		return hooks.Run(runCtx, []string{command}, hookCtx)
	})
	return eg.Wait()
}

func (o *Orchestrator) squash(res *Result) {
	if o.cfg.BaseRef == "" {
		return
	}
	count, err := gitdriver.GetCommitCountSince(o.cfg.WorktreePath, o.cfg.Branch, o.cfg.BaseRef)
	if err != nil {
		res.SquashErr = err
		o.log.Warn("count commits since base failed", "error", err)
		return
	}
	if count == 0 {
		return
	}

	switch o.cfg.Cfg.OnExit {
	case config.OnExitKeep:
		o.log.Info("keeping commits on exit", "branch", o.cfg.Branch, "count", count)
	case config.OnExitPrompt:
		if o.cfg.Prompter == nil || !o.cfg.Prompter.Confirm(fmt.Sprintf("Squash %d commits on %s?", count, o.cfg.Branch), false) {
			return
		}
		o.doSquash(res)
	default: // config.OnExitSquash
		o.doSquash(res)
	}
}

func (o *Orchestrator) doSquash(res *Result) {
	message := expandSquashMessage(o.cfg.Cfg.SquashCommitMessage, o.cfg.Branch)
	if err := gitdriver.Squash(o.cfg.WorktreePath, o.cfg.BaseRef, message); err != nil {
		res.SquashErr = err
		o.log.Error("squash failed", "branch", o.cfg.Branch, "error", err)
		return
	}
	res.SquashPerformed = true
}

func expandSquashMessage(template, branch string) string {
	out := make([]byte, 0, len(template))
	for i := 0; i < len(template); i++ {
		if i+len("{branch}") <= len(template) && template[i:i+len("{branch}")] == "{branch}" {
			out = append(out, branch...)
			i += len("{branch}") - 1
			continue
		}
		out = append(out, template[i])
	}
	return string(out)
}

func (o *Orchestrator) removeWorktree(res *Result) {
	gitCheckFailed := o.cfg.Sync != nil && o.cfg.Sync.GitCheckFailed()

	var confirmed bool
	if o.cfg.Prompter == nil {
		confirmed = false
	} else if gitCheckFailed {
		confirmed = o.cfg.Prompter.ConfirmTyped(
			fmt.Sprintf("gitignore classification failed; type %q to delete the worktree", o.cfg.Branch),
			o.cfg.Branch,
		)
	} else {
		confirmed = o.cfg.Prompter.Confirm(fmt.Sprintf("Delete worktree for %s?", o.cfg.Branch), false)
	}
	if !confirmed {
		return
	}

	repo := gitdriver.New(o.cfg.RepoPath)
	err := repo.WorktreeRemove(o.cfg.WorktreePath, true)
	if err != nil {
		// Fall back to prune when the directory is already gone.
		if pruneErr := repo.WorktreePrune(); pruneErr == nil {
			res.WorktreeRemoved = true
			return
		}
		res.WorktreeRemoveErr = err
		o.log.Warn("remove worktree failed", "error", err)
		return
	}
	res.WorktreeRemoved = true
}
