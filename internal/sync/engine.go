package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/divmain/treebeard/internal/config"
	"github.com/divmain/treebeard/internal/gitdriver"
	"github.com/divmain/treebeard/internal/overlay"
)

// Display thresholds for previews, diffs, and directory drill-in.
const (
	MaxPreviewBytes  = 100 * 1024
	MaxDiffLines     = 15
	MaxDiffLineWidth = 200
	MaxDrillInFiles  = 50
)

// Outcome is the sync phase's final report.
type Outcome struct {
	Kind         string // "Synced", "Cancelled", "Skipped", "Partial", "GitCheckFailed"
	Synced       int
	Failed       int
	SymlinkCount int // symlinks skipped during aggregation, reported separately
	Failures     map[string]error
}

// Presenter is the minimal interaction surface SyncEngine needs from a
// caller. The module has no interactive (arrow-key/paging) implementation
// of it; the CLI subcommands use PlainPresenter.
type Presenter interface {
	// Present shows items (already filtered/pre-selected) and returns the
	// final selection, or ok=false if the user cancelled.
	Present(items []ChangeItem) (selected []ChangeItem, ok bool)
}

// Engine implements the SyncEngine component.
type Engine struct {
	MainRepoPath string
	WorktreePath string
	Cfg          config.SyncConfig
	Presenter    Presenter
	Tracker      *overlay.MutationTracker

	gitCheckFailed bool
	symlinkCount   int
}

// New constructs an Engine. tracker is the overlay filesystem's mutation
// tracker whose snapshot at Run time drives aggregation; it's captured here
// rather than passed to Run so Engine satisfies cleanup.Syncer's narrow
// Run(ctx) signature.
func New(mainRepoPath, worktreePath string, cfg config.SyncConfig, presenter Presenter, tracker *overlay.MutationTracker) *Engine {
	return &Engine{MainRepoPath: mainRepoPath, WorktreePath: worktreePath, Cfg: cfg, Presenter: presenter, Tracker: tracker}
}

// GitCheckFailed reports whether the last Run's gitignore classification
// step failed, so CleanupOrchestrator can force a type-to-confirm prompt
// before worktree deletion.
func (e *Engine) GitCheckFailed() bool {
	return e.gitCheckFailed
}

// SymlinkCount reports how many symlinks the last Run skipped during
// aggregation; they are never synced, only counted for the final summary.
func (e *Engine) SymlinkCount() int {
	return e.symlinkCount
}

// Run executes the full sync flow against the Engine's Tracker snapshot and
// returns (outcome-kind, synced-count, failed-count, error), matching the
// narrow Syncer interface internal/cleanup depends on.
func (e *Engine) Run(ctx context.Context) (string, int, int, error) {
	outcome := e.run(ctx)
	var err error
	if outcome.Kind == "GitCheckFailed" {
		err = fmt.Errorf("git check-ignore failed")
	}
	return outcome.Kind, outcome.Synced, outcome.Failed, err
}

func (e *Engine) run(ctx context.Context) Outcome {
	outcome := e.runFlow(ctx)
	outcome.SymlinkCount = e.symlinkCount
	return outcome
}

func (e *Engine) runFlow(ctx context.Context) Outcome {
	e.symlinkCount = 0
	e.gitCheckFailed = false
	if e.Tracker == nil {
		return Outcome{Kind: "Skipped"}
	}
	snapshot := e.Tracker.Snapshot()
	if len(snapshot) == 0 {
		return Outcome{Kind: "Skipped"}
	}

	gi := loadGitignore(e.MainRepoPath)
	items, symlinks := aggregate(e.WorktreePath, snapshot, gi)
	e.symlinkCount = symlinks
	if len(items) == 0 {
		return Outcome{Kind: "Skipped"}
	}

	classified, err := e.classify(items)
	if err != nil {
		e.gitCheckFailed = true
		return Outcome{Kind: "GitCheckFailed"}
	}
	if len(classified) == 0 {
		return Outcome{Kind: "Skipped"}
	}

	filtered := e.filterAndPreselect(classified)
	if len(filtered) == 0 {
		return Outcome{Kind: "Skipped"}
	}

	var selected []ChangeItem
	ok := true
	if e.Presenter != nil {
		selected, ok = e.Presenter.Present(filtered)
	} else {
		for _, it := range filtered {
			if it.Selected {
				selected = append(selected, it)
			}
		}
	}
	if !ok {
		return Outcome{Kind: "Cancelled"}
	}
	if len(selected) == 0 {
		return Outcome{Kind: "Skipped"}
	}

	synced, failed, failures := e.execute(selected)
	if failed > 0 {
		return Outcome{Kind: "Partial", Synced: synced, Failed: failed, Failures: failures}
	}
	return Outcome{Kind: "Synced", Synced: synced}
}

// classify drops any change whose path is not gitignored in the main repo:
// those are assumed already committed via the Watcher.
func (e *Engine) classify(items []ChangeItem) ([]ChangeItem, error) {
	var allPaths []string
	for _, it := range items {
		if it.IsDir {
			allPaths = append(allPaths, it.Files...)
		} else {
			allPaths = append(allPaths, it.Path)
		}
	}

	ignored, err := gitdriver.CheckIgnoreBatch(e.MainRepoPath, allPaths)
	if err != nil {
		return nil, err
	}

	var out []ChangeItem
	for _, it := range items {
		if it.IsDir {
			var kept []string
			for _, f := range it.Files {
				if ignored[f] {
					kept = append(kept, f)
				}
			}
			if len(kept) == 0 {
				continue
			}
			it.Files = kept
			out = append(out, it)
			continue
		}
		if ignored[it.Path] {
			out = append(out, it)
		}
	}
	return out, nil
}

// filterAndPreselect drops items matching Cfg.AlwaysSkip and marks items
// matching Cfg.AlwaysInclude as pre-selected.
func (e *Engine) filterAndPreselect(items []ChangeItem) []ChangeItem {
	var out []ChangeItem
	for _, it := range items {
		if matchesAny(it.Path, e.Cfg.AlwaysSkip) {
			continue
		}
		if matchesAny(it.Path, e.Cfg.AlwaysInclude) {
			it.Selected = true
		}
		out = append(out, it)
	}
	return out
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
	}
	return false
}

// execute copies or deletes every selected ChangeItem from the worktree
// into the main repo. Directory items fan out
// to their grouped files.
func (e *Engine) execute(items []ChangeItem) (synced, failed int, failures map[string]error) {
	failures = make(map[string]error)

	var files []struct {
		path string
		kind ItemKind
	}
	for _, it := range items {
		if it.IsDir {
			// Directory items carry an aggregate kind count, not a single
			// kind per file; the per-file kind recorded in kinds at
			// aggregation time isn't retained on ChangeItem, so re-derive
			// via existence checks during execution.
			for _, f := range it.Files {
				files = append(files, struct {
					path string
					kind ItemKind
				}{f, kindFromExistence(e.WorktreePath, f)})
			}
			continue
		}
		files = append(files, struct {
			path string
			kind ItemKind
		}{it.Path, it.Kind})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	for _, f := range files {
		if err := e.syncOne(f.path, f.kind); err != nil {
			failures[f.path] = err
			failed++
			continue
		}
		synced++
	}
	return synced, failed, failures
}

func kindFromExistence(worktreePath, rel string) ItemKind {
	if _, err := os.Lstat(filepath.Join(worktreePath, rel)); os.IsNotExist(err) {
		return KindDeleted
	}
	return KindModified
}

func (e *Engine) syncOne(rel string, kind ItemKind) error {
	dst := filepath.Join(e.MainRepoPath, rel)
	src := filepath.Join(e.WorktreePath, rel)

	if kind == KindDeleted {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func lstatIsSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

func loadGitignore(mainRepoPath string) *ignore.GitIgnore {
	data, err := os.ReadFile(filepath.Join(mainRepoPath, ".gitignore"))
	if err != nil {
		return nil
	}
	return ignore.CompileIgnoreLines(splitLines(string(data))...)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
