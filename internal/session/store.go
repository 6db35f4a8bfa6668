package session

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the active-sessions SQLite table: open-with-WAL,
// schema-on-open, typed accessors instead of raw SQL at call sites.
type Store struct {
	db *sql.DB

	// lockPath names the file backing the advisory lock every session read/write runs
	// under. SQLite's own locking serializes concurrent writers already, but
	// the lock additionally gives external, non-SQL-aware tools (doctor/list
	// style commands) a cheap mutual-exclusion primitive to synchronize
	// against.
	lockPath string
	lockMu   sync.Mutex
	lockFd   *os.File
}

// Open opens or creates the session store at dbPath (conventionally
// "<config-dir>/active_sessions.db").
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store directory: %w", err)
	}

	escapedPath := strings.ReplaceAll(dbPath, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escapedPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}

	return &Store{db: db, lockPath: dbPath + ".lock"}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withLock runs fn while holding an exclusive advisory lock on lockPath.
// Every read or write of the active-session records happens under it.
func (s *Store) withLock(fn func() error) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open session lock file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// Start writes a new active-session record for a freshly mounted branch.
func (s *Store) Start(repoPath, branch, worktreePath, mountPath string, startTime time.Time) (*Record, error) {
	rec := &Record{
		ID:           uuid.NewString(),
		RepoPath:     repoPath,
		Branch:       branch,
		WorktreePath: worktreePath,
		MountPath:    mountPath,
		StartTime:    startTime,
	}
	err := s.withLock(func() error {
		_, err := s.db.Exec(
			`INSERT INTO active_sessions (id, repo_path, branch, worktree_path, mount_path, start_time)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.RepoPath, rec.Branch, rec.WorktreePath, rec.MountPath, rec.StartTime.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return rec, nil
}

// Remove deletes the session record by id, called on clean exit.
func (s *Store) Remove(id string) error {
	return s.withLock(func() error {
		_, err := s.db.Exec(`DELETE FROM active_sessions WHERE id = ?`, id)
		return err
	})
}

// RemoveByBranch removes the session(s) recorded for branch, used by the
// batched `cleanup` path which identifies sessions by branch name rather
// than session id.
func (s *Store) RemoveByBranch(branch string) error {
	return s.withLock(func() error {
		_, err := s.db.Exec(`DELETE FROM active_sessions WHERE branch = ?`, branch)
		return err
	})
}

// List returns every active session record, ordered by start time.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.withLock(func() error {
		rows, err := s.db.Query(`SELECT id, repo_path, branch, worktree_path, mount_path, start_time FROM active_sessions ORDER BY start_time`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rec Record
			var startTime string
			if err := rows.Scan(&rec.ID, &rec.RepoPath, &rec.Branch, &rec.WorktreePath, &rec.MountPath, &startTime); err != nil {
				return err
			}
			rec.StartTime, _ = time.Parse(time.RFC3339Nano, startTime)
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// GetByBranch looks up the active session for branch, if any.
func (s *Store) GetByBranch(branch string) (*Record, error) {
	var rec *Record
	err := s.withLock(func() error {
		row := s.db.QueryRow(`SELECT id, repo_path, branch, worktree_path, mount_path, start_time FROM active_sessions WHERE branch = ?`, branch)
		var r Record
		var startTime string
		if err := row.Scan(&r.ID, &r.RepoPath, &r.Branch, &r.WorktreePath, &r.MountPath, &startTime); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		r.StartTime, _ = time.Parse(time.RFC3339Nano, startTime)
		rec = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get session for branch %s: %w", branch, err)
	}
	return rec, nil
}
