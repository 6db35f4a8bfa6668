package overlay

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Mkdir creates a directory in the upper layer (lower, for passthrough);
// any whiteout previously hiding the same name is cleared so the new
// directory becomes visible.
func (fs *OverlayFs) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	rel, ok := fs.childPath(Ino(input.NodeId), name)
	if !ok {
		return fuse.ENOENT
	}

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

	if err := os.Mkdir(path, os.FileMode(input.Mode&0o7777)); err != nil {
		return errnoToStatus(err)
	}
	if !passthrough {
		if err := RemoveWhiteout(parentDir, name); err != nil {
			fs.log.Warn("remove whiteout after mkdir", "path", rel, "error", err)
		}
	}

	attrs, err := lstatAttrs(path)
	if err != nil {
		return errnoToStatus(err)
	}

	ino := fs.inodes.AllocIno()
	fs.inodes.Insert(&InodeRecord{
		Ino: ino, Parent: Ino(input.NodeId), Name: name,
		Layer: layer, Path: rel, Attrs: attrs, Hardlinks: 2,
	})
	fs.inodes.AddChild(Ino(input.NodeId), name, ino)
	if !passthrough {
		fs.mutations.Record(rel, MutationCreated)
	}

	fs.fillEntryOut(out, ino, attrs)
	return fuse.OK
}

// Symlink creates a symlink in the upper layer pointing at an arbitrary
// target string, which is never itself resolved through the overlay.
func (fs *OverlayFs) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, name string, out *fuse.EntryOut) fuse.Status {
	rel, ok := fs.childPath(Ino(header.NodeId), name)
	if !ok {
		return fuse.ENOENT
	}

	parentDir := fs.paths.UpperPath(filepath.Dir(rel))
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return errnoToStatus(err)
	}

	path := fs.paths.UpperPath(rel)
	if err := os.Symlink(pointedTo, path); err != nil {
		return errnoToStatus(err)
	}
	if err := RemoveWhiteout(parentDir, name); err != nil {
		fs.log.Warn("remove whiteout after symlink", "path", rel, "error", err)
	}

	attrs, err := lstatAttrs(path)
	if err != nil {
		return errnoToStatus(err)
	}

	ino := fs.inodes.AllocIno()
	fs.inodes.Insert(&InodeRecord{
		Ino: ino, Parent: Ino(header.NodeId), Name: name,
		Layer: LayerUpper, Path: rel, Attrs: attrs, Hardlinks: 1,
	})
	fs.inodes.AddChild(Ino(header.NodeId), name, ino)
	fs.mutations.Record(rel, MutationCreated)

	fs.fillEntryOut(out, ino, attrs)
	return fuse.OK
}

// Link creates a new upper-layer hardlink to an existing inode. The target
// is copied up first so both names always resolve within the same layer.
func (fs *OverlayFs) Link(cancel <-chan struct{}, input *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	targetIno := Ino(input.Oldnodeid)
	if st := fs.ensureCopiedUp(targetIno); st != fuse.OK {
		return st
	}
	target, ok := fs.inodes.Get(targetIno)
	if !ok {
		return fuse.ENOENT
	}

	rel, ok := fs.childPath(Ino(input.NodeId), name)
	if !ok {
		return fuse.ENOENT
	}
	parentDir := fs.paths.UpperPath(filepath.Dir(rel))
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return errnoToStatus(err)
	}

	oldPath := fs.paths.UpperPath(target.Path)
	newPath := fs.paths.UpperPath(rel)
	if err := os.Link(oldPath, newPath); err != nil {
		return errnoToStatus(err)
	}
	if err := RemoveWhiteout(parentDir, name); err != nil {
		fs.log.Warn("remove whiteout after link", "path", rel, "error", err)
	}

	fs.inodes.IncrementHardlinks(targetIno)
	fs.inodes.AddChild(Ino(input.NodeId), name, targetIno)
	fs.mutations.Record(rel, MutationCreated)

	attrs, err := lstatAttrs(newPath)
	if err != nil {
		return errnoToStatus(err)
	}
	fs.inodes.UpdateAttrs(targetIno, attrs)
	fs.fillEntryOut(out, targetIno, attrs)
	return fuse.OK
}

// Unlink removes a name from its parent directory. If the backing entry
// lives only in the lower layer, removal is recorded as a whiteout instead
// of a real delete.
func (fs *OverlayFs) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.removeEntry(header.NodeId, name, false)
}

// Rmdir removes an empty directory, following the same upper-delete /
// lower-whiteout branching as Unlink. Directory whiteouts are not separately
// tracked; rmdir only ever applies to a directory whose merged view is
// empty.
func (fs *OverlayFs) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.removeEntry(header.NodeId, name, true)
}

func (fs *OverlayFs) removeEntry(parentID uint64, name string, isDir bool) fuse.Status {
	rel, ok := fs.childPath(Ino(parentID), name)
	if !ok {
		return fuse.ENOENT
	}

	ino, haveIno := fs.inodes.LookupChild(Ino(parentID), name)
	var rec InodeRecord
	var haveRec bool
	if haveIno {
		rec, haveRec = fs.inodes.Get(ino)
	}

	// Passthrough removals bypass the upper layer entirely:
	// no whiteout, no tracker record, just the lower-layer delete.
	if fs.paths.IsPassthrough(rel) {
		if err := os.Remove(fs.paths.LowerPath(rel)); err != nil && !os.IsNotExist(err) {
			return errnoToStatus(err)
		}
		fs.inodes.RemoveChild(Ino(parentID), name)
		if haveIno {
			fs.inodes.DecrementHardlinks(ino)
		}
		fs.signal(rel)
		return fuse.OK
	}

	// Directory whiteouts have no on-disk format here; a directory can only
	// go away once its merged view is empty (see DESIGN.md's Open Question
	// decisions).
	if isDir && !fs.mergedDirEmpty(rel) {
		return fuse.Status(syscall.ENOTEMPTY)
	}

	upperPath := fs.paths.UpperPath(rel)
	parentDir := fs.paths.UpperPath(filepath.Dir(rel))

	if _, err := os.Lstat(upperPath); err == nil {
		if haveRec && !isDir && rec.OpenFileHandles > 0 {
			// Live handles still reference the backing file; defer the real
			// delete to Release.
			fs.inodes.MarkDeleted(ino)
		} else if err := os.Remove(upperPath); err != nil {
			return errnoToStatus(err)
		}
	} else if !os.IsNotExist(err) {
		return errnoToStatus(err)
	}

	lowerExists := false
	if _, err := os.Lstat(fs.paths.LowerPath(rel)); err == nil {
		lowerExists = true
		if err := CreateWhiteout(parentDir, name); err != nil {
			return errnoToStatus(err)
		}
	}

	fs.inodes.RemoveChild(Ino(parentID), name)
	if haveIno {
		fs.inodes.DecrementHardlinks(ino)
	}

	if lowerExists {
		fs.mutations.Record(rel, MutationDeleted)
	} else {
		// Upper-only entry: anything previously recorded for this path no
		// longer diverges from the main repository.
		fs.mutations.Forget(rel)
	}
	fs.signal(rel)
	return fuse.OK
}

// mergedDirEmpty reports whether rel's merged view (upper entries plus
// non-whited-out lower entries) contains nothing.
func (fs *OverlayFs) mergedDirEmpty(rel string) bool {
	whited := map[string]struct{}{}
	if entries, err := os.ReadDir(fs.paths.UpperPath(rel)); err == nil {
		for _, e := range entries {
			if IsMarkerName(e.Name()) {
				whited[TargetFromMarker(e.Name())] = struct{}{}
				continue
			}
			return false
		}
	}
	if entries, err := os.ReadDir(fs.paths.LowerPath(rel)); err == nil {
		for _, e := range entries {
			if _, hidden := whited[e.Name()]; !hidden {
				return false
			}
		}
	}
	return true
}

// Rename moves an entry within the overlay. Both names resolve under the
// same layer root, so this is always a same-filesystem move once the source
// has been copied up.
func (fs *OverlayFs) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	oldRel, ok := fs.childPath(Ino(input.NodeId), oldName)
	if !ok {
		return fuse.ENOENT
	}
	newRel, ok := fs.childPath(Ino(input.Newdir), newName)
	if !ok {
		return fuse.ENOENT
	}

	if _, _, exists := fs.paths.Resolve(newRel); exists {
		return fuse.Status(syscall.EEXIST)
	}

	ino, existed := fs.inodes.LookupChild(Ino(input.NodeId), oldName)
	if !existed {
		return fuse.ENOENT
	}

	// When either end is passthrough the move stays entirely within the
	// lower layer; otherwise copy-up first so the rename is entirely within
	// the upper layer.
	if fs.paths.IsPassthrough(oldRel) || fs.paths.IsPassthrough(newRel) {
		newLowerParent := fs.paths.LowerPath(filepath.Dir(newRel))
		if err := os.MkdirAll(newLowerParent, 0o755); err != nil {
			return errnoToStatus(err)
		}
		if err := os.Rename(fs.paths.LowerPath(oldRel), fs.paths.LowerPath(newRel)); err != nil {
			return errnoToStatus(err)
		}
		fs.inodes.RemoveChild(Ino(input.NodeId), oldName)
		fs.inodes.UpdatePathParent(ino, Ino(input.Newdir), newName, newRel)
		fs.inodes.AddChild(Ino(input.Newdir), newName, ino)
		fs.signal(oldRel)
		fs.signal(newRel)
		return fuse.OK
	}

	if st := fs.ensureCopiedUp(ino); st != fuse.OK {
		return st
	}

	newParentDir := fs.paths.UpperPath(filepath.Dir(newRel))
	if err := os.MkdirAll(newParentDir, 0o755); err != nil {
		return errnoToStatus(err)
	}

	if err := os.Rename(fs.paths.UpperPath(oldRel), fs.paths.UpperPath(newRel)); err != nil {
		return errnoToStatus(err)
	}

	oldParentDir := fs.paths.UpperPath(filepath.Dir(oldRel))
	oldLowerExists := false
	if _, err := os.Lstat(fs.paths.LowerPath(oldRel)); err == nil {
		oldLowerExists = true
		if err := CreateWhiteout(oldParentDir, oldName); err != nil {
			fs.log.Warn("whiteout old rename source", "path", oldRel, "error", err)
		}
	}
	if err := RemoveWhiteout(newParentDir, newName); err != nil {
		fs.log.Warn("remove whiteout at rename destination", "path", newRel, "error", err)
	}

	fs.inodes.RemoveChild(Ino(input.NodeId), oldName)
	fs.inodes.UpdatePathParent(ino, Ino(input.Newdir), newName, newRel)
	fs.inodes.AddChild(Ino(input.Newdir), newName, ino)

	if oldLowerExists {
		fs.mutations.Record(oldRel, MutationDeleted)
	} else {
		fs.mutations.Forget(oldRel)
	}
	fs.mutations.Record(newRel, MutationCreated)
	fs.signal(oldRel)
	fs.signal(newRel)
	return fuse.OK
}

// OpenDir prepares a merged directory listing sorted by name: upper and
// lower entries combined, with upper names shadowing lower ones and whiteout markers
// hiding their target instead of appearing themselves.
func (fs *OverlayFs) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	rec, ok := fs.inodes.Get(Ino(input.NodeId))
	if !ok {
		return fuse.ENOENT
	}

	seen := make(map[string]dirEntry)
	whited := make(map[string]struct{})

	// Passthrough directories resolve only against the lower layer; the
	// upper scan is skipped entirely.
	if !fs.paths.IsPassthrough(rec.Path) {
		upperDir := fs.paths.UpperPath(rec.Path)
		if entries, err := os.ReadDir(upperDir); err == nil {
			for _, e := range entries {
				if IsMarkerName(e.Name()) {
					whited[TargetFromMarker(e.Name())] = struct{}{}
					continue
				}
				abs := fs.paths.UpperPath(filepath.Join(rec.Path, e.Name()))
				if isDeviceWhiteout(abs) {
					continue
				}
				seen[e.Name()] = fs.direntFor(rec.Ino, e.Name(), abs, LayerUpper)
			}
		}
	}

	lowerDir := fs.paths.LowerPath(rec.Path)
	if entries, err := os.ReadDir(lowerDir); err == nil {
		for _, e := range entries {
			if _, hidden := whited[e.Name()]; hidden {
				continue
			}
			if _, exists := seen[e.Name()]; exists {
				continue
			}
			abs := fs.paths.LowerPath(filepath.Join(rec.Path, e.Name()))
			if isDeviceWhiteout(abs) {
				continue
			}
			seen[e.Name()] = fs.direntFor(rec.Ino, e.Name(), abs, LayerLower)
		}
	}

	list := maps.Values(seen)
	slices.SortFunc(list, func(a, b dirEntry) int { return strings.Compare(a.name, b.name) })

	fs.dirHandlesMu.Lock()
	fs.nextDirFH++
	fh := fs.nextDirFH
	fs.dirHandles[fh] = &dirHandle{ino: rec.Ino, entries: list}
	fs.dirHandlesMu.Unlock()

	out.Fh = fh
	return fuse.OK
}

func (fs *OverlayFs) direntFor(parent Ino, name, abs string, layer Layer) dirEntry {
	attrs, err := lstatAttrs(abs)
	if err != nil {
		return dirEntry{name: name, kind: KindRegular}
	}
	ino, existed := fs.inodes.LookupChild(parent, name)
	if !existed {
		ino = fs.inodes.AllocIno()
		rel, _ := fs.childPath(parent, name)
		fs.inodes.Insert(&InodeRecord{Ino: ino, Parent: parent, Name: name, Layer: layer, Path: rel, Attrs: attrs, Hardlinks: hardlinksFor(attrs.Kind)})
		fs.inodes.AddChild(parent, name, ino)
	} else if layer == LayerUpper {
		// A child recorded Lower that the scan found in Upper was copied up
		// behind the table's back; promote it rather than serving stale
		// metadata.
		if cur, ok := fs.inodes.Get(ino); ok && cur.Layer == LayerLower {
			fs.inodes.Promote(ino, LayerUpper, attrs)
		}
	}
	return dirEntry{name: name, ino: ino, kind: attrs.Kind}
}

// isDeviceWhiteout detects Linux-style character-device whiteouts (char
// device, rdev 0) so a lower layer prepared by another overlay
// implementation doesn't leak them into listings.
func isDeviceWhiteout(abs string) bool {
	attrs, err := lstatAttrs(abs)
	if err != nil {
		return false
	}
	return attrs.Kind == KindCharDevice && attrs.Rdev == 0
}

// ReadDir streams the snapshot OpenDir assembled, honoring the kernel's
// offset-based continuation protocol.
func (fs *OverlayFs) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	fs.dirHandlesMu.Lock()
	h, ok := fs.dirHandles[input.Fh]
	fs.dirHandlesMu.Unlock()
	if !ok {
		return fuse.EBADF
	}

	for i := int(input.Offset); i < len(h.entries); i++ {
		e := h.entries[i]
		entry := fuse.DirEntry{Name: e.name, Ino: uint64(e.ino), Mode: posixMode(Attrs{Kind: e.kind})}
		if !out.AddDirEntry(entry) {
			break
		}
	}
	return fuse.OK
}

// ReleaseDir drops the merged-listing snapshot for a closed directory
// handle.
func (fs *OverlayFs) ReleaseDir(input *fuse.ReleaseIn) {
	fs.dirHandlesMu.Lock()
	delete(fs.dirHandles, input.Fh)
	fs.dirHandlesMu.Unlock()
}
