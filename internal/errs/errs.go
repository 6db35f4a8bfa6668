// Package errs defines the error taxonomy shared across treebeard's core
// packages.
package errs

import "fmt"

// Sentinel is a classification marker that callers can test for with
// errors.Is without string-matching messages.
type Sentinel struct {
	kind string
}

func (s *Sentinel) Error() string { return s.kind }

var (
	ErrNotAGitRepository = &Sentinel{"not a git repository"}
	ErrWorktreeExists    = &Sentinel{"worktree already exists"}
	ErrBranchExists      = &Sentinel{"branch already exists"}
	ErrWorktreeNotFound  = &Sentinel{"worktree not found"}
)

// Wrapped pairs a sentinel classification with a human-readable message and
// an optional underlying cause (NotAGitRepository(path),
// WorktreeAlreadyExists(name), ...).
type Wrapped struct {
	Sentinel *Sentinel
	Msg      string
	Cause    error
}

func (e *Wrapped) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Sentinel.Error(), e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Sentinel.Error(), e.Msg)
}

func (e *Wrapped) Unwrap() error { return e.Cause }

func (e *Wrapped) Is(target error) bool {
	if s, ok := target.(*Sentinel); ok {
		return e.Sentinel == s
	}
	return false
}

func NotAGitRepository(path string) error {
	return &Wrapped{Sentinel: ErrNotAGitRepository, Msg: path}
}

func WorktreeAlreadyExists(name string) error {
	return &Wrapped{Sentinel: ErrWorktreeExists, Msg: name}
}

func BranchAlreadyExists(name string) error {
	return &Wrapped{Sentinel: ErrBranchExists, Msg: name}
}

func WorktreeNotFound(name string) error {
	return &Wrapped{Sentinel: ErrWorktreeNotFound, Msg: name}
}

// Git wraps a non-zero git subprocess failure together with its stderr.
type Git struct {
	Msg   string
	Cause error
}

func (e *Git) Error() string { return fmt.Sprintf("git: %s", e.Msg) }
func (e *Git) Unwrap() error { return e.Cause }

// Hook wraps a lifecycle or commit-message hook failure. Hook errors are
// never fatal for lifecycle hooks; commit_message hook
// failures degrade to the default message.
type Hook struct {
	Msg   string
	Cause error
}

func (e *Hook) Error() string { return fmt.Sprintf("hook failed: %s", e.Msg) }
func (e *Hook) Unwrap() error { return e.Cause }

// Fuse wraps a failure to bring up the FUSE mount. Fatal for the session.
type Fuse struct {
	Msg   string
	Cause error
}

func (e *Fuse) Error() string { return fmt.Sprintf("fuse: %s", e.Msg) }
func (e *Fuse) Unwrap() error { return e.Cause }

// Config wraps a configuration-file parse or validation failure.
type Config struct {
	Msg   string
	Cause error
}

func (e *Config) Error() string { return fmt.Sprintf("config: %s", e.Msg) }
func (e *Config) Unwrap() error { return e.Cause }

// Io wraps an unclassified filesystem/OS-level failure that doesn't belong
// to one of the more specific categories above.
type Io struct {
	Cause error
}

func (e *Io) Error() string { return fmt.Sprintf("io: %v", e.Cause) }
func (e *Io) Unwrap() error { return e.Cause }

// Json wraps a session-database or hook-payload (de)serialization failure.
type Json struct {
	Msg   string
	Cause error
}

func (e *Json) Error() string { return fmt.Sprintf("json: %s", e.Msg) }
func (e *Json) Unwrap() error { return e.Cause }
