package overlay

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Open copies the target up to the upper layer if a write mode was
// requested, then opens the upper (or lower, for read-only access) file and
// hands back an opaque file handle.
func (fs *OverlayFs) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ino := Ino(input.NodeId)

	// Held across the layer check, the copy-up, and the real open so a
	// concurrent unlink or rename can't invalidate the decision.
	lock := fs.inodes.GetCopyUpLock(ino)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := fs.inodes.Get(ino)
	if !ok {
		return fuse.ENOENT
	}

	wantsWrite := input.Flags&(syscallWRONLY|syscallRDWR) != 0
	if wantsWrite && rec.Layer == LayerLower {
		if err := fs.copyUp(ino); err != nil {
			return errnoToStatus(err)
		}
		rec, _ = fs.inodes.Get(ino)
	}

	// Re-resolve through PathResolver to catch a rename that slipped in
	// between the kernel's lookup and this open.
	abs, layer, found := fs.paths.Resolve(rec.Path)
	if !found {
		return fuse.ENOENT
	}

	f, err := os.OpenFile(abs, int(input.Flags), 0)
	if err != nil {
		return errnoToStatus(err)
	}
	if layer != rec.Layer {
		// Stale metadata after a rename or an out-of-band copy-up.
		fs.inodes.Promote(ino, layer, rec.Attrs)
	}

	fh := fs.registerHandle(ino, f, input.Flags)
	fs.inodes.IncrementOpen(ino)
	out.Fh = fh
	return fuse.OK
}

// Create makes a new regular file directly in the upper layer (or lower,
// for passthrough), masking the requested mode to the standard permission
// bits: many clients pass permission-only modes to create.
func (fs *OverlayFs) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	rel, ok := fs.childPath(Ino(input.NodeId), name)
	if !ok {
		return fuse.ENOENT
	}

	// Passthrough creates land on the lower layer; the upper layer is never
	// touched for them.
	passthrough := fs.paths.IsPassthrough(rel)
	layer := LayerUpper
	path := fs.paths.UpperPath(rel)
	if passthrough {
		layer = LayerLower
		path = fs.paths.LowerPath(rel)
	}

	parentDir := filepath.Dir(path)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return errnoToStatus(err)
	}

	mode := input.Mode & 0o7777
	f, err := os.OpenFile(path, int(input.Flags)|os.O_CREATE, os.FileMode(mode))
	if err != nil {
		return errnoToStatus(err)
	}

	if !passthrough {
		if err := RemoveWhiteout(parentDir, name); err != nil {
			fs.log.Warn("remove whiteout after create", "path", rel, "error", err)
		}
	}

	attrs, err := lstatAttrs(path)
	if err != nil {
		f.Close()
		return errnoToStatus(err)
	}

	ino := fs.inodes.AllocIno()
	fs.inodes.Insert(&InodeRecord{
		Ino:       ino,
		Parent:    Ino(input.NodeId),
		Name:      name,
		Layer:     layer,
		Path:      rel,
		Attrs:     attrs,
		Hardlinks: 1,
	})
	fs.inodes.AddChild(Ino(input.NodeId), name, ino)
	if !passthrough {
		fs.mutations.Record(rel, MutationCreated)
		fs.signal(rel)
	}

	fh := fs.registerHandle(ino, f, input.Flags)
	fs.inodes.IncrementOpen(ino)

	fs.fillEntryOut(&out.EntryOut, ino, attrs)
	out.Fh = fh
	return fuse.OK
}

// Read services a pread-style request against the handle's open file.
func (fs *OverlayFs) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	fs.handlesMu.Lock()
	h, ok := fs.handles[input.Fh]
	fs.handlesMu.Unlock()
	if !ok {
		return nil, fuse.EBADF
	}

	n, err := h.file.ReadAt(buf, int64(input.Offset))
	if err != nil && n == 0 && !errors.Is(err, io.EOF) {
		return nil, errnoToStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

// Write serves a pwrite-style request and updates the cached size so
// subsequent getattr calls stay accurate without an extra stat.
func (fs *OverlayFs) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	fs.handlesMu.Lock()
	h, ok := fs.handles[input.Fh]
	fs.handlesMu.Unlock()
	if !ok {
		return 0, fuse.EBADF
	}

	n, err := h.file.WriteAt(data, int64(input.Offset))
	if err != nil {
		return uint32(n), errnoToStatus(err)
	}

	fs.inodes.UpdateSize(h.ino, uint64(input.Offset)+uint64(n))
	if rec, ok := fs.inodes.Get(h.ino); ok {
		fs.signal(rec.Path)
	}
	return uint32(n), fuse.OK
}

// Flush is called once per close(2) on a descriptor referencing this handle;
// it syncs buffered writes without releasing the handle.
func (fs *OverlayFs) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	fs.handlesMu.Lock()
	h, ok := fs.handles[input.Fh]
	fs.handlesMu.Unlock()
	if !ok {
		return fuse.OK
	}
	if err := h.file.Sync(); err != nil {
		return errnoToStatus(err)
	}
	if rec, ok := fs.inodes.Get(h.ino); ok {
		underlying := fs.paths.UpperPath(rec.Path)
		if rec.Layer == LayerLower {
			underlying = fs.paths.LowerPath(rec.Path)
		}
		if attrs, err := lstatAttrs(underlying); err == nil {
			fs.inodes.UpdateAttrs(h.ino, attrs)
		}
		if rec.Layer == LayerUpper && !fs.paths.IsPassthrough(rec.Path) {
			fs.signal(rec.Path)
		}
	}
	return fuse.OK
}

// Release closes the underlying file and drops the handle, decrementing the
// inode's open count and sweeping it if it was pending deletion.
func (fs *OverlayFs) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	fs.handlesMu.Lock()
	h, ok := fs.handles[input.Fh]
	if ok {
		delete(fs.handles, input.Fh)
	}
	fs.handlesMu.Unlock()
	if !ok {
		return
	}

	_ = h.file.Close()

	if shouldGC := fs.inodes.DecrementOpen(h.ino); shouldGC {
		// The backing object goes before the inode record.
		if rec, ok := fs.inodes.Get(h.ino); ok && rec.Layer == LayerUpper {
			_ = os.Remove(fs.paths.UpperPath(rec.Path))
		}
		fs.inodes.UnmarkDeleted(h.ino)
	}
}

func (fs *OverlayFs) registerHandle(ino Ino, f *os.File, flags uint32) uint64 {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	fs.nextFH++
	fh := fs.nextFH
	fs.handles[fh] = &fileHandle{ino: ino, file: f, flags: flags}
	return fh
}

const (
	syscallWRONLY = 1
	syscallRDWR   = 2
)
