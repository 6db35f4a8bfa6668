// Package sync implements treebeard's gitignore-classification sync phase:
// aggregate mutation-tracker entries into change items, classify them
// against gitignore, filter/pre-select against the configured
// always-skip/always-include globs, let the caller choose what to copy
// back, then execute the copy/delete and report the outcome.
package sync

import (
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/divmain/treebeard/internal/overlay"
)

// ItemKind classifies how a ChangeItem diverges from the main repository.
type ItemKind int

const (
	KindAdded ItemKind = iota
	KindModified
	KindDeleted
)

func (k ItemKind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeItem is either a single File change or a Directory grouping several
// file changes under their highest gitignored ancestor.
type ChangeItem struct {
	Path      string // overlay-relative
	IsDir     bool
	Kind      ItemKind // meaningful only when !IsDir
	Added     int      // meaningful only when IsDir
	Modified  int
	Deleted   int
	Files     []string // file paths grouped under this directory
	Selected  bool
	IsSymlink bool
}

// mutationToKind maps an overlay.MutationKind to the sync phase's ItemKind.
// MutationCreated always maps to added and MutationDeleted to deleted;
// anything else (a copy-up followed by writes) is treated as modified.
func mutationToKind(m overlay.MutationKind) ItemKind {
	switch m {
	case overlay.MutationDeleted:
		return KindDeleted
	case overlay.MutationCreated:
		return KindAdded
	default: // CopiedUp
		return KindModified
	}
}

// aggregate converts a mutation tracker snapshot into ChangeItems, grouping
// files that share the highest ancestor directory the local gitignore
// matcher considers wholly ignored. Symlinks are skipped from the result
// and counted separately.
func aggregate(worktreePath string, mutations map[string]overlay.MutationKind, gi *ignore.GitIgnore) (items []ChangeItem, symlinkCount int) {
	// Group candidate files by their highest ignored ancestor, if any.
	groups := make(map[string][]string) // ancestor dir -> file paths (dir == "" means ungrouped)
	kinds := make(map[string]ItemKind)

	var paths []string
	for p := range mutations {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if isSymlinkPath(worktreePath, p) {
			symlinkCount++
			continue
		}
		kinds[p] = mutationToKind(mutations[p])
		ancestor := highestIgnoredAncestor(p, gi)
		groups[ancestor] = append(groups[ancestor], p)
	}

	for ancestor, files := range groups {
		if ancestor == "" || len(files) == 1 {
			for _, f := range files {
				items = append(items, ChangeItem{Path: f, Kind: kinds[f]})
			}
			continue
		}
		item := ChangeItem{Path: ancestor, IsDir: true, Files: files}
		for _, f := range files {
			switch kinds[f] {
			case KindAdded:
				item.Added++
			case KindModified:
				item.Modified++
			case KindDeleted:
				item.Deleted++
			}
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, symlinkCount
}

// highestIgnoredAncestor returns the top-most directory component of rel
// that gi reports as ignored, or "" if no ancestor directory is ignored as
// a whole (in which case rel is left as its own, ungrouped item).
func highestIgnoredAncestor(rel string, gi *ignore.GitIgnore) string {
	if gi == nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/")
	if len(parts) == 0 || parts[0] == "." {
		return ""
	}
	acc := ""
	for _, part := range parts {
		if acc == "" {
			acc = part
		} else {
			acc = acc + "/" + part
		}
		if gi.MatchesPath(acc + "/") {
			return acc
		}
	}
	return ""
}

func isSymlinkPath(worktreePath, rel string) bool {
	return lstatIsSymlink(filepath.Join(worktreePath, rel))
}
