package overlay

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// Extended attributes are stored natively on whichever layer backs the
// inode: reads go to the current layer, writes force a copy-up first so the
// lower layer stays untouched. A too-small caller
// buffer surfaces as ERANGE straight from the host syscall.

func (fs *OverlayFs) xattrPath(ino Ino) (string, bool) {
	rec, ok := fs.inodes.Get(ino)
	if !ok {
		return "", false
	}
	if rec.Layer == LayerLower {
		return fs.paths.LowerPath(rec.Path), true
	}
	return fs.paths.UpperPath(rec.Path), true
}

func (fs *OverlayFs) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	path, ok := fs.xattrPath(Ino(header.NodeId))
	if !ok {
		return 0, fuse.ENOENT
	}
	sz, err := unix.Lgetxattr(path, attr, dest)
	if err != nil {
		return 0, errnoToStatus(err)
	}
	return uint32(sz), fuse.OK
}

func (fs *OverlayFs) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	path, ok := fs.xattrPath(Ino(header.NodeId))
	if !ok {
		return 0, fuse.ENOENT
	}
	sz, err := unix.Llistxattr(path, dest)
	if err != nil {
		return 0, errnoToStatus(err)
	}
	return uint32(sz), fuse.OK
}

func (fs *OverlayFs) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	ino := Ino(input.NodeId)
	if st := fs.ensureCopiedUp(ino); st != fuse.OK {
		return st
	}
	path, ok := fs.xattrPath(ino)
	if !ok {
		return fuse.ENOENT
	}
	if err := unix.Lsetxattr(path, attr, data, int(input.Flags)); err != nil {
		return errnoToStatus(err)
	}
	return fuse.OK
}

func (fs *OverlayFs) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	ino := Ino(header.NodeId)
	if st := fs.ensureCopiedUp(ino); st != fuse.OK {
		return st
	}
	path, ok := fs.xattrPath(ino)
	if !ok {
		return fuse.ENOENT
	}
	if err := unix.Lremovexattr(path, attr); err != nil {
		return errnoToStatus(err)
	}
	return fuse.OK
}
