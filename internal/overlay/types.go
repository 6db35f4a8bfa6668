// Package overlay implements treebeard's AUFS-style two-layer copy-on-write
// filesystem: a writable Upper layer over a read-only Lower layer backed by
// a Git worktree. See path_resolver.go, inode.go, whiteout.go, overlayfs.go,
// and mount.go for the individual components.
package overlay

import (
	"path/filepath"
	"sync"
	"time"
)

// Layer tags which of the two overlay layers an inode currently lives in.
type Layer uint8

const (
	// LayerUpper is the writable layer: copy-ups, new files, and whiteouts.
	LayerUpper Layer = iota
	// LayerLower is the read-only Git worktree exposed as the overlay's base.
	LayerLower
)

func (l Layer) String() string {
	if l == LayerUpper {
		return "upper"
	}
	return "lower"
}

// Kind mirrors the POSIX file type tags an inode's attrs can carry.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindBlockDevice
	KindCharDevice
	KindFIFO
	KindSocket
)

// Attrs is the POSIX-style attribute set cached per inode.
type Attrs struct {
	Size    uint64
	Blocks  uint64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Crtime  time.Time
	Kind    Kind
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint32
	BlkSize uint32
}

// MutationKind classifies how a path came to diverge from the main
// repository's view of ignored files, recorded by the mutation tracker for
// the sync phase.
type MutationKind uint8

const (
	MutationCopiedUp MutationKind = iota
	MutationCreated
	MutationDeleted
)

func (m MutationKind) String() string {
	switch m {
	case MutationCopiedUp:
		return "copied_up"
	case MutationCreated:
		return "created"
	case MutationDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Ino is a stable, process-local inode identifier. The host filesystem's own
// inode number is never exposed to the kernel through this layer.
type Ino uint64

// RootIno is the reserved constant identifying the overlay's root directory.
// Ino 0 is never allocated.
const RootIno Ino = 1

// InodeRecord is the per-inode bookkeeping the overlay maintains.
type InodeRecord struct {
	Ino             Ino
	Parent          Ino
	Name            string
	Layer           Layer
	Path            string // overlay-relative, "." for root
	Attrs           Attrs
	OpenFileHandles int
	Hardlinks       int
}

// MutationTracker is the in-memory map from overlay path to MutationKind
// the sync phase consumes on cleanup. It is never persisted.
type MutationTracker struct {
	mu   sync.RWMutex
	data map[string]MutationKind
}

// NewMutationTracker constructs an empty tracker.
func NewMutationTracker() *MutationTracker {
	return &MutationTracker{data: make(map[string]MutationKind)}
}

// Record stores a mutation for rel, the overlay-relative path.
func (t *MutationTracker) Record(rel string, kind MutationKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[filepath.Clean(rel)] = kind
}

// Forget drops any mutation recorded for rel, used when a file created
// through the overlay is deleted again before cleanup: net divergence from
// the main repository is zero, so the sync phase must not see it.
func (t *MutationTracker) Forget(rel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, filepath.Clean(rel))
}

// Snapshot returns a point-in-time copy for the sync phase to consume.
func (t *MutationTracker) Snapshot() map[string]MutationKind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]MutationKind, len(t.data))
	for k, v := range t.data {
		out[k] = v
	}
	return out
}

// Len reports the number of tracked mutations.
func (t *MutationTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}
