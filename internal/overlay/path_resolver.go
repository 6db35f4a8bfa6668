package overlay

import (
	"os"
	"path/filepath"
	"strings"
)

// PathResolver maps overlay-relative paths to absolute paths in the upper or
// lower layer, classifies passthrough, and detects whiteout markers.
type PathResolver struct {
	UpperLayer string
	LowerLayer string

	// passthroughPrefixes holds, for every pattern ending in "/**", the
	// directory prefix before that suffix — used to treat a pattern's own
	// directory, any ancestor of it, and any path beneath it as passthrough.
	patterns            []string
	passthroughPrefixes []string
}

// NewPathResolver compiles the passthrough glob patterns. Pattern syntax
// follows path/filepath.Match, except that a trailing "/**" also covers
// every path beneath its directory prefix (see IsPassthrough).
func NewPathResolver(upperLayer, lowerLayer string, passthroughPatterns []string) (*PathResolver, error) {
	r := &PathResolver{
		UpperLayer: upperLayer,
		LowerLayer: lowerLayer,
		patterns:   append([]string(nil), passthroughPatterns...),
	}
	for _, p := range passthroughPatterns {
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			r.passthroughPrefixes = append(r.passthroughPrefixes, prefix)
		}
		// Validate the pattern compiles; filepath.Match reports malformed
		// patterns lazily per-call, so probe it once against an empty string.
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// UpperPath is a pure path join into the upper layer.
func (r *PathResolver) UpperPath(rel string) string {
	return filepath.Join(r.UpperLayer, rel)
}

// LowerPath is a pure path join into the lower layer.
func (r *PathResolver) LowerPath(rel string) string {
	return filepath.Join(r.LowerLayer, rel)
}

// IsPassthrough reports whether rel bypasses the upper layer entirely:
// either it directly matches a passthrough pattern, or it is the directory
// prefix of a "dir/**"-shaped pattern, a strict ancestor of that prefix, or
// any path beneath it.
func (r *PathResolver) IsPassthrough(rel string) bool {
	clean := strings.TrimPrefix(filepath.Clean(rel), "./")
	if clean == "." {
		return false
	}

	for _, p := range r.patterns {
		if ok, _ := filepath.Match(p, clean); ok {
			return true
		}
	}

	for _, prefix := range r.passthroughPrefixes {
		if clean == prefix {
			return true
		}
		if strings.HasPrefix(prefix, clean+"/") {
			return true
		}
		if strings.HasPrefix(clean, prefix+"/") {
			return true
		}
	}

	return false
}

// IsWhiteout reports whether absPath (expected to live under UpperLayer) is
// currently shadowed by a `.wh.<basename>` marker in its parent directory.
func (r *PathResolver) IsWhiteout(absPath string) bool {
	return IsWhiteout(absPath)
}

// Resolve implements the overlay lookup semantics: upper shadows lower,
// whiteouts hide lower entries, and passthrough paths never consult the
// upper layer at all. Returns the absolute path and the layer it was found
// in, or ok=false if the path does not exist anywhere.
func (r *PathResolver) Resolve(rel string) (abs string, layer Layer, ok bool) {
	if r.IsPassthrough(rel) {
		lower := r.LowerPath(rel)
		if _, err := os.Lstat(lower); err == nil {
			return lower, LayerLower, true
		}
		return "", 0, false
	}

	upper := r.UpperPath(rel)
	lower := r.LowerPath(rel)

	if r.IsWhiteout(upper) {
		return "", 0, false
	}

	if _, err := os.Lstat(upper); err == nil {
		if canon, err := filepath.EvalSymlinks(upper); err == nil {
			return canon, LayerUpper, true
		}
		return upper, LayerUpper, true
	}

	if _, err := os.Lstat(lower); err == nil {
		if canon, err := filepath.EvalSymlinks(lower); err == nil {
			return canon, LayerLower, true
		}
		return lower, LayerLower, true
	}

	return "", 0, false
}
