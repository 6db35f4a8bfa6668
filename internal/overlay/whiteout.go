package overlay

import (
	"os"
	"path/filepath"
	"strings"
)

// WhiteoutPrefix marks a name as hiding a same-named lower-layer entry.
const WhiteoutPrefix = ".wh."

// MarkerName returns the whiteout marker filename for a given leaf name.
func MarkerName(name string) string {
	return WhiteoutPrefix + name
}

// IsMarkerName reports whether name is itself a whiteout marker.
func IsMarkerName(name string) bool {
	return strings.HasPrefix(name, WhiteoutPrefix)
}

// TargetFromMarker extracts the hidden name from a marker's filename. It is
// the caller's responsibility to have verified IsMarkerName(name) first.
func TargetFromMarker(name string) string {
	return strings.TrimPrefix(name, WhiteoutPrefix)
}

// CreateWhiteout creates an empty marker file hiding name inside parentDir
// (an absolute upper-layer directory path), creating parentDir if needed.
func CreateWhiteout(parentDir, name string) error {
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(parentDir, MarkerName(name)), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// RemoveWhiteout deletes the marker hiding name inside parentDir, if present.
// Used to restore visibility when a file is re-created after being deleted.
func RemoveWhiteout(parentDir, name string) error {
	err := os.Remove(filepath.Join(parentDir, MarkerName(name)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// HasWhiteout reports whether a whiteout marker for name exists in
// parentDir (an absolute upper-layer directory path).
func HasWhiteout(parentDir, name string) bool {
	_, err := os.Lstat(filepath.Join(parentDir, MarkerName(name)))
	return err == nil
}

// IsWhiteout reports whether the given absolute path (in the upper layer)
// is currently shadowed by a sibling whiteout marker.
func IsWhiteout(absPath string) bool {
	dir, name := filepath.Split(absPath)
	return HasWhiteout(dir, name)
}
