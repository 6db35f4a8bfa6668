// Package watcher debounces filesystem mutation signals from the overlay
// and turns them into auto-commits, with an optional hook-driven commit
// message.
package watcher

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/divmain/treebeard/internal/gitdriver"
	"github.com/divmain/treebeard/internal/hooks"
)

// waitForever stands in for "no pending event, block indefinitely" in the
// debounce select loop, rather than special-casing a nil timer.
const waitForever = 24 * time.Hour

// CommitConfig carries the values a commit (and its optional message hook)
// needs.
type CommitConfig struct {
	DefaultMessage    string
	CommitMessageHook string
	Branch            string
	MountPath         string
	WorktreePath      string
	RepoPath          string
	DebounceInterval  time.Duration
}

// Mode selects whether commits run the message hook or always use the
// default message.
type Mode int

const (
	ModeSimple Mode = iota
	ModeWithHooks
)

// Watcher debounces a stream of mutated-path signals and commits the
// worktree once activity has settled.
type Watcher struct {
	cfg      CommitConfig
	mode     Mode
	log      *slog.Logger
	failures atomic.Uint64

	// limiter bounds how often a debounce-expired commit attempt can spawn
	// git subprocesses, so a pathological mutation storm that keeps
	// re-arming the debounce timer (e.g. a build tool touching files every
	// few hundred milliseconds just past the quiet period) can't outrun the
	// repository's ability to serialize commits.
	limiter *rate.Limiter
}

// New constructs a Watcher.
func New(cfg CommitConfig, mode Mode, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 5 * time.Second
	}
	return &Watcher{
		cfg:     cfg,
		mode:    mode,
		log:     logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Failures reports how many auto-commit attempts have failed so far, for
// diagnostics/status reporting.
func (w *Watcher) Failures() uint64 {
	return w.failures.Load()
}

// Run consumes mutation signals from events until ctx is cancelled,
// debouncing bursts of activity and committing once the stream goes quiet
// for DebounceInterval.
func (w *Watcher) Run(ctx context.Context, events <-chan string) {
	pending := make(map[string]struct{})
	var lastEvent time.Time
	hasPending := false

	timer := time.NewTimer(waitForever)
	defer timer.Stop()

	for {
		var timeout time.Duration
		if hasPending {
			elapsed := time.Since(lastEvent)
			if elapsed >= w.cfg.DebounceInterval {
				timeout = 0
			} else {
				timeout = w.cfg.DebounceInterval - elapsed
			}
		} else {
			timeout = waitForever
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case <-ctx.Done():
			if hasPending {
				w.commit(pending)
			}
			return

		case path, ok := <-events:
			if !ok {
				if hasPending {
					w.commit(pending)
				}
				return
			}
			pending[path] = struct{}{}
			lastEvent = time.Now()
			hasPending = true

		case <-timer.C:
			if hasPending {
				if err := w.limiter.Wait(ctx); err != nil {
					return
				}
				w.commit(pending)
				pending = make(map[string]struct{})
				hasPending = false
			}
		}
	}
}

func (w *Watcher) commit(paths map[string]struct{}) {
	if w.mode == ModeWithHooks && w.cfg.CommitMessageHook != "" {
		w.commitWithHook(paths)
		return
	}

	// Simple mode: stage everything and commit with the default message.
	// `git add -A` captures the whole tree, including create-then-delete
	// sequences inside the quiet window that the path set wouldn't show.
	if err := gitdriver.StageAll(w.cfg.WorktreePath); err != nil {
		w.onFailure(err)
		return
	}
	hasChanges, err := gitdriver.HasUncommittedChanges(w.cfg.WorktreePath)
	if err != nil {
		w.onFailure(err)
		return
	}
	if !hasChanges {
		return
	}
	if err := gitdriver.Commit(w.cfg.WorktreePath, w.cfg.DefaultMessage); err != nil {
		w.onFailure(err)
		return
	}

	w.log.Info("auto-commit", "branch", w.cfg.Branch, "paths", len(paths), "message", w.cfg.DefaultMessage)
}

// commitWithHook stages first to capture the diff, hands it to the
// commit_message hook, and commits the staged state with the hook's output
// (or the default message when the hook fails or prints nothing).
func (w *Watcher) commitWithHook(paths map[string]struct{}) {
	diff, ok, err := gitdriver.StageChanges(w.cfg.WorktreePath)
	if err != nil {
		w.onFailure(err)
		return
	}
	if !ok {
		return
	}

	message := w.cfg.DefaultMessage
	hookCtx := hooks.NewContext(w.cfg.Branch, w.cfg.MountPath, w.cfg.WorktreePath, w.cfg.RepoPath).WithDiff(diff)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	msg, got, err := hooks.RunCommitMessageHook(ctx, w.cfg.CommitMessageHook, hookCtx)
	cancel()
	if err != nil {
		w.log.Warn("commit message hook failed, using default message", "error", err)
	} else if got {
		message = msg
	}

	if err := gitdriver.CommitStaged(w.cfg.WorktreePath, message); err != nil {
		w.onFailure(err)
		return
	}

	w.log.Info("auto-commit", "branch", w.cfg.Branch, "paths", len(paths), "message", message)
}

func (w *Watcher) onFailure(err error) {
	n := w.failures.Add(1)
	w.log.Error("auto-commit failed", "branch", w.cfg.Branch, "attempt", n, "error", err)
}
