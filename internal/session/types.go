// Package session persists the active-session records: which repo, branch,
// worktree, and mount a running `branch` invocation owns, so the `cleanup`
// subcommand can discover live sessions without
// talking to the FUSE mount itself. Backed by a modernc.org/sqlite table
// (see DESIGN.md for the storage-format decision).
package session

import "time"

// Record is the persisted shape of an active session.
type Record struct {
	ID           string
	RepoPath     string
	Branch       string
	WorktreePath string
	MountPath    string
	StartTime    time.Time
}
