package overlay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

var errNotExist = os.ErrNotExist

// Config bundles the inputs OverlayFs needs at construction time. upperLayer
// and lowerLayer must already exist; lowerLayer is treated as read-only.
type Config struct {
	UpperLayer          string
	LowerLayer          string
	PassthroughPatterns []string
	InodeCacheSize      int
	Logger              *slog.Logger
	// TTL is the entry/attribute cache lifetime advertised to the kernel.
	// Zero is a valid setting for callers needing read-after-rename
	// visibility; it is passed straight through, never defaulted here.
	TTL time.Duration
	// Mutations, if set, receives overlay-relative paths on every
	// write-producing callback. Optional: a mount
	// used only for inspection (e.g. a diagnostic re-open) can omit it.
	Mutations *MutationSignal
}

// OverlayFs implements fuse.RawFileSystem directly (rather than go-fuse's
// higher-level node API): the overlay needs manual control over inode
// allocation, LRU eviction, and per-inode copy-up locking that the node API
// hides behind its own bookkeeping.
type OverlayFs struct {
	fuse.RawFileSystem // embeds ENOSYS defaults for anything we don't override

	paths     *PathResolver
	inodes    *InodeManager
	mutations *MutationTracker
	log       *slog.Logger
	ttl       time.Duration

	handlesMu sync.Mutex
	handles   map[uint64]*fileHandle
	nextFH    uint64

	dirHandlesMu sync.Mutex
	dirHandles   map[uint64]*dirHandle
	nextDirFH    uint64

	mutationSignal *MutationSignal
}

// signal pushes rel onto the mutation channel if one is attached, called by
// every write-producing callback (Write, Flush, Create, Unlink/Rmdir,
// Rename). Never blocks.
func (fs *OverlayFs) signal(rel string) {
	if fs.mutationSignal != nil {
		fs.mutationSignal.Send(rel)
	}
}

// MutationTracker exposes the in-memory path→MutationKind map the sync phase
// snapshots on cleanup.
func (fs *OverlayFs) MutationTracker() *MutationTracker {
	return fs.mutations
}

type fileHandle struct {
	ino   Ino
	file  *os.File
	flags uint32
}

type dirHandle struct {
	ino     Ino
	entries []dirEntry
}

type dirEntry struct {
	name string
	ino  Ino
	kind Kind
}

// NewOverlayFs wires a PathResolver, InodeManager, and MutationTracker
// together and registers the root inode.
func NewOverlayFs(cfg Config) (*OverlayFs, error) {
	resolver, err := NewPathResolver(cfg.UpperLayer, cfg.LowerLayer, cfg.PassthroughPatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling passthrough patterns: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rootAttrs, err := lstatAttrs(cfg.LowerLayer)
	if err != nil {
		return nil, fmt.Errorf("stat lower layer root: %w", err)
	}
	rootAttrs.Kind = KindDirectory

	ofs := &OverlayFs{
		RawFileSystem:  fuse.NewDefaultRawFileSystem(),
		paths:          resolver,
		inodes:         NewInodeManager(cfg.InodeCacheSize),
		mutations:      NewMutationTracker(),
		log:            logger,
		ttl:            cfg.TTL,
		handles:        make(map[uint64]*fileHandle),
		dirHandles:     make(map[uint64]*dirHandle),
		mutationSignal: cfg.Mutations,
	}

	ofs.inodes.Insert(&InodeRecord{
		Ino:    RootIno,
		Parent: RootIno,
		Name:   "",
		Layer:  LayerLower,
		Path:   ".",
		Attrs:  rootAttrs,
	})

	return ofs, nil
}

func (fs *OverlayFs) String() string { return "treebeard-overlay" }

func (fs *OverlayFs) Init(server *fuse.Server) {
	fs.log.Info("overlay initialized", "upper", fs.paths.UpperLayer, "lower", fs.paths.LowerLayer)
}

// childPath builds the overlay-relative path of name under parentIno's
// directory, or ok=false if parentIno is unknown.
func (fs *OverlayFs) childPath(parentIno Ino, name string) (string, bool) {
	parent, ok := fs.inodes.Get(parentIno)
	if !ok {
		return "", false
	}
	if parent.Path == "." {
		return name, true
	}
	return filepath.Join(parent.Path, name), true
}

// Lookup resolves name under parent, inserting or refreshing its inode
// record and returning its attributes.
func (fs *OverlayFs) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parent := Ino(header.NodeId)
	rel, ok := fs.childPath(parent, name)
	if !ok {
		return fuse.ENOENT
	}

	upperDir := fs.paths.UpperPath(filepath.Dir(rel))
	if HasWhiteout(upperDir, filepath.Base(rel)) {
		return fuse.ENOENT
	}

	abs, layer, found := fs.paths.Resolve(rel)
	if !found {
		return fuse.ENOENT
	}

	attrs, err := lstatAttrs(abs)
	if err != nil {
		return errnoToStatus(err)
	}

	ino, existed := fs.inodes.LookupChild(parent, name)
	if !existed {
		ino = fs.inodes.AllocIno()
		fs.inodes.Insert(&InodeRecord{
			Ino:       ino,
			Parent:    parent,
			Name:      name,
			Layer:     layer,
			Path:      rel,
			Attrs:     attrs,
			Hardlinks: hardlinksFor(attrs.Kind),
		})
		fs.inodes.AddChild(parent, name, ino)
	} else {
		// Refresh in place; a wholesale re-insert would clobber the live
		// open-handle and hardlink counters.
		fs.inodes.Promote(ino, layer, attrs)
	}

	fs.fillEntryOut(out, ino, attrs)
	return fuse.OK
}

// hardlinksFor is the conventional initial directory-entry count: 2 for
// directories, 1 for everything else.
func hardlinksFor(kind Kind) int {
	if kind == KindDirectory {
		return 2
	}
	return 1
}

func (fs *OverlayFs) Forget(nodeid, nlookup uint64) {
	// The bounded LRU already reclaims cold entries; an explicit forget is
	// advisory only and does not need to evict immediately.
}

// GetAttr returns the cached attributes for an inode.
func (fs *OverlayFs) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	rec, ok := fs.inodes.Get(Ino(input.NodeId))
	if !ok {
		return fuse.ENOENT
	}
	fs.fillAttrOut(out, rec.Ino, rec.Attrs)
	return fuse.OK
}

// Readlink reads a symlink's target from whichever layer the inode lives on.
func (fs *OverlayFs) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	rec, ok := fs.inodes.Get(Ino(header.NodeId))
	if !ok {
		return nil, fuse.ENOENT
	}
	path := fs.paths.UpperPath(rec.Path)
	if rec.Layer == LayerLower {
		path = fs.paths.LowerPath(rec.Path)
	}
	target, err := os.Readlink(path)
	if err != nil {
		return nil, errnoToStatus(err)
	}
	return []byte(target), fuse.OK
}

// SetAttr applies truncate/chmod/chown/utimes, copying up first if the
// target is still in the lower layer.
func (fs *OverlayFs) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	ino := Ino(input.NodeId)
	rec, ok := fs.inodes.Get(ino)
	if !ok {
		return fuse.ENOENT
	}

	if rec.Layer == LayerLower {
		if st := fs.ensureCopiedUp(ino); st != fuse.OK {
			return st
		}
		rec, _ = fs.inodes.Get(ino)
	}

	// A passthrough path never copies up, so it may still be Lower here;
	// apply the attribute changes directly to the lower-layer file then.
	path := fs.paths.UpperPath(rec.Path)
	if rec.Layer == LayerLower {
		path = fs.paths.LowerPath(rec.Path)
	}

	if input.Valid&fuse.FATTR_SIZE != 0 {
		if err := os.Truncate(path, int64(input.Size)); err != nil {
			return errnoToStatus(err)
		}
	}
	if input.Valid&fuse.FATTR_MODE != 0 {
		if err := os.Chmod(path, os.FileMode(input.Mode&0o7777)); err != nil {
			return errnoToStatus(err)
		}
	}
	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		u, g := -1, -1
		if input.Valid&fuse.FATTR_UID != 0 {
			u = int(input.Uid)
		}
		if input.Valid&fuse.FATTR_GID != 0 {
			g = int(input.Gid)
		}
		if err := os.Chown(path, u, g); err != nil {
			return errnoToStatus(err)
		}
	}
	if input.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		cur, err := os.Lstat(path)
		if err != nil {
			return errnoToStatus(err)
		}
		atime := time.Unix(int64(input.Atime), int64(input.Atimensec))
		mtime := time.Unix(int64(input.Mtime), int64(input.Mtimensec))
		if input.Valid&fuse.FATTR_ATIME == 0 {
			atime = statAttrs(cur).Atime
		}
		if input.Valid&fuse.FATTR_MTIME == 0 {
			mtime = cur.ModTime()
		}
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return errnoToStatus(err)
		}
	}

	attrs, err := lstatAttrs(path)
	if err != nil {
		return errnoToStatus(err)
	}
	fs.inodes.UpdateAttrs(ino, attrs)
	fs.fillAttrOut(out, ino, attrs)
	return fuse.OK
}

// ensureCopiedUp copies ino from the lower layer into the upper layer under
// its per-inode lock, a no-op if already Upper.
func (fs *OverlayFs) ensureCopiedUp(ino Ino) fuse.Status {
	lock := fs.inodes.GetCopyUpLock(ino)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := fs.inodes.Get(ino)
	if !ok {
		return fuse.ENOENT
	}
	if rec.Layer == LayerUpper {
		return fuse.OK
	}
	if err := fs.copyUp(ino); err != nil {
		return errnoToStatus(err)
	}
	fs.inodes.RemoveCopyUpLock(ino)
	return fuse.OK
}

func (fs *OverlayFs) fillEntryOut(out *fuse.EntryOut, ino Ino, a Attrs) {
	out.NodeId = uint64(ino)
	out.Generation = 1
	out.SetEntryTimeout(fs.ttl)
	out.SetAttrTimeout(fs.ttl)
	fillAttr(&out.Attr, ino, a)
}

func (fs *OverlayFs) fillAttrOut(out *fuse.AttrOut, ino Ino, a Attrs) {
	out.SetTimeout(fs.ttl)
	fillAttr(&out.Attr, ino, a)
}

func fillAttr(out *fuse.Attr, ino Ino, a Attrs) {
	out.Ino = uint64(ino)
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Atime = uint64(a.Atime.Unix())
	out.Mtime = uint64(a.Mtime.Unix())
	out.Ctime = uint64(a.Ctime.Unix())
	out.Atimensec = uint32(a.Atime.Nanosecond())
	out.Mtimensec = uint32(a.Mtime.Nanosecond())
	out.Ctimensec = uint32(a.Ctime.Nanosecond())
	out.Mode = posixMode(a)
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.Rdev = a.Rdev
	out.Blksize = a.BlkSize
}

func posixMode(a Attrs) uint32 {
	mode := a.Mode & 0o7777
	switch a.Kind {
	case KindDirectory:
		return mode | syscall.S_IFDIR
	case KindSymlink:
		return mode | syscall.S_IFLNK
	case KindBlockDevice:
		return mode | syscall.S_IFBLK
	case KindCharDevice:
		return mode | syscall.S_IFCHR
	case KindFIFO:
		return mode | syscall.S_IFIFO
	case KindSocket:
		return mode | syscall.S_IFSOCK
	default:
		return mode | syscall.S_IFREG
	}
}

// errnoToStatus maps a Go stdlib error (typically from *os.PathError) onto a
// fuse.Status: the host errno is propagated whenever one exists, EIO is the
// last resort.
func errnoToStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	if errno, ok := underlyingErrno(err); ok {
		return fuse.Status(errno)
	}
	if os.IsNotExist(err) {
		return fuse.ENOENT
	}
	if os.IsExist(err) {
		return fuse.Status(syscall.EEXIST)
	}
	if os.IsPermission(err) {
		return fuse.EPERM
	}
	return fuse.EIO
}

func underlyingErrno(err error) (syscall.Errno, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return errno, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
