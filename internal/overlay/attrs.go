package overlay

import (
	"os"
	"syscall"
	"time"
)

// statAttrs converts a Lstat'd os.FileInfo (with its *syscall.Stat_t) into
// the overlay's own Attrs representation.
func statAttrs(fi os.FileInfo) Attrs {
	a := Attrs{
		Size:  uint64(fi.Size()),
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: fi.ModTime(),
		Nlink: 1,
	}

	mode := fi.Mode()
	switch {
	case fi.IsDir():
		a.Kind = KindDirectory
		a.Nlink = 2
	case mode&os.ModeSymlink != 0:
		a.Kind = KindSymlink
	case mode&os.ModeCharDevice == os.ModeCharDevice:
		a.Kind = KindCharDevice
	case mode&os.ModeDevice != 0:
		a.Kind = KindBlockDevice
	case mode&os.ModeNamedPipe != 0:
		a.Kind = KindFIFO
	case mode&os.ModeSocket != 0:
		a.Kind = KindSocket
	default:
		a.Kind = KindRegular
	}

	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Blocks = uint64(sys.Blocks)
		a.BlkSize = uint32(sys.Blksize)
		a.UID = sys.Uid
		a.GID = sys.Gid
		a.Rdev = uint32(sys.Rdev)
		a.Nlink = uint32(sys.Nlink)
		a.Atime = time.Unix(sys.Atim.Sec, sys.Atim.Nsec)
		a.Ctime = time.Unix(sys.Ctim.Sec, sys.Ctim.Nsec)
	}

	return a
}

// lstatAttrs stats path without following a trailing symlink.
func lstatAttrs(path string) (Attrs, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return Attrs{}, err
	}
	return statAttrs(fi), nil
}
