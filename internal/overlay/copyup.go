package overlay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// reflinkCapableGitVersion is the floor above which we attempt a
// content-cloning copy (cp --reflink=auto-equivalent) before falling back to
// a byte copy. Modern coreutils (and the filesystems typically paired with a
// modern git) support reflink from roughly this point on; the check is
// deliberately conservative.
var reflinkCapableGitVersion = semver.MustParse("2.30.0")

// copyUp promotes ino from the lower layer into the upper layer, creating
// missing ancestors and rolling back on failure. Must be called with the
// inode's copy-up lock held.
func (fs *OverlayFs) copyUp(ino Ino) error {
	rec, ok := fs.inodes.Get(ino)
	if !ok {
		return errNotExist
	}
	if rec.Layer == LayerUpper {
		return nil
	}
	if fs.paths.IsPassthrough(rec.Path) {
		// Passthrough paths bypass the upper layer entirely, including
		// copy-up; writes to them land on the lower layer as-is.
		return nil
	}

	srcPath := fs.paths.LowerPath(rec.Path)
	srcInfo, err := os.Lstat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Benign race: source vanished. If the inode is already Upper
			// (another goroutine won the race), treat as success.
			if cur, ok := fs.inodes.Get(ino); ok && cur.Layer == LayerUpper {
				return nil
			}
			return errNotExist
		}
		return err
	}

	dstPath := fs.paths.UpperPath(rec.Path)
	createdDirs, err := ensureParentDirs(dstPath)
	if err != nil {
		rollbackCopyUp(dstPath, createdDirs)
		return err
	}

	if srcInfo.IsDir() {
		if err := os.Mkdir(dstPath, srcInfo.Mode().Perm()); err != nil && !os.IsExist(err) {
			rollbackCopyUp(dstPath, createdDirs)
			return err
		}
	} else {
		if err := copyFileContents(srcPath, dstPath, srcInfo); err != nil {
			rollbackCopyUp(dstPath, createdDirs)
			return err
		}
	}

	freshAttrs, err := lstatAttrs(dstPath)
	if err != nil {
		rollbackCopyUp(dstPath, createdDirs)
		return err
	}

	fs.inodes.UpdateAfterCopyUp(ino, rec.Path, freshAttrs)

	if !srcInfo.IsDir() {
		fs.mutations.Record(rec.Path, MutationCopiedUp)
	}
	return nil
}

// ensureParentDirs walks the destination's parent chain in the upper layer,
// creating any missing ancestors, and returns exactly the directories this
// call created so a failed copy-up can roll them back.
func ensureParentDirs(dstPath string) (created []string, err error) {
	dir := filepath.Dir(dstPath)
	var missing []string
	for {
		if _, statErr := os.Lstat(dir); statErr == nil {
			break
		} else if !os.IsNotExist(statErr) {
			return nil, statErr
		}
		missing = append(missing, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	// Create from the outermost missing ancestor inward.
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !os.IsExist(err) {
			return created, err
		}
		created = append(created, missing[i])
	}
	return created, nil
}

// rollbackCopyUp best-effort removes a partially created destination and the
// ancestor directories this call created.
func rollbackCopyUp(dstPath string, createdDirs []string) {
	_ = os.RemoveAll(dstPath)
	for i := len(createdDirs) - 1; i >= 0; i-- {
		_ = os.Remove(createdDirs[i])
	}
}

// copyFileContents copies srcPath to dstPath, preferring a content-cloning
// fast path when the host's toolchain appears to support it and falling back
// to a plain byte copy otherwise.
func copyFileContents(srcPath, dstPath string, srcInfo os.FileInfo) error {
	if tryReflinkCopy(srcPath, dstPath) {
		return nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}

// tryReflinkCopy attempts a reflink-style clone (e.g. via cp --reflink=auto)
// and reports whether it succeeded. Failure is always non-fatal: the caller
// falls back to a byte copy. Host support for content-cloning is strictly
// best-effort.
func tryReflinkCopy(srcPath, dstPath string) bool {
	if !hostSupportsReflink() {
		return false
	}
	// go-fuse/golang.org/x/sys expose no portable reflink syscall wrapper;
	// shelling out to cp mirrors what a modern coreutils install does and
	// keeps this path a pure optimization with no unsafe dependency.
	return copyViaCP(srcPath, dstPath) == nil
}

var gitVersionProbe func() (*semver.Version, error)

func hostSupportsReflink() bool {
	probe := gitVersionProbe
	if probe == nil {
		return false
	}
	v, err := probe()
	if err != nil {
		return false
	}
	return !v.LessThan(reflinkCapableGitVersion)
}

var errReflinkUnavailable = errors.New("reflink copy unavailable")

func copyViaCP(srcPath, dstPath string) error {
	if !strings.HasPrefix(dstPath, "/") {
		return errReflinkUnavailable
	}
	return runCP(srcPath, dstPath)
}
