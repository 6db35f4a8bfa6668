package overlay

import (
	"os"
	"path/filepath"
	"testing"
)

func newLayers(t *testing.T) (upper, lower string) {
	t.Helper()
	root := t.TempDir()
	upper = filepath.Join(root, "upper")
	lower = filepath.Join(root, "lower")
	if err := os.MkdirAll(upper, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(lower, 0o755); err != nil {
		t.Fatal(err)
	}
	return upper, lower
}

func TestPathResolver_UpperShadowsLower(t *testing.T) {
	upper, lower := newLayers(t)
	if err := os.WriteFile(filepath.Join(lower, "a"), []byte("lower"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "a"), []byte("upper"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewPathResolver(upper, lower, nil)
	if err != nil {
		t.Fatal(err)
	}
	abs, layer, ok := r.Resolve("a")
	if !ok {
		t.Fatal("expected resolve to succeed")
	}
	if layer != LayerUpper {
		t.Fatalf("expected LayerUpper, got %v", layer)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "upper" {
		t.Fatalf("expected upper content, got %q", data)
	}
}

func TestPathResolver_FallsBackToLower(t *testing.T) {
	upper, lower := newLayers(t)
	if err := os.WriteFile(filepath.Join(lower, "b"), []byte("lower"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := NewPathResolver(upper, lower, nil)
	_, layer, ok := r.Resolve("b")
	if !ok || layer != LayerLower {
		t.Fatalf("expected lower fallback, got ok=%v layer=%v", ok, layer)
	}
}

func TestPathResolver_WhiteoutHidesLower(t *testing.T) {
	upper, lower := newLayers(t)
	if err := os.WriteFile(filepath.Join(lower, "c"), []byte("lower"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CreateWhiteout(upper, "c"); err != nil {
		t.Fatal(err)
	}

	r, _ := NewPathResolver(upper, lower, nil)
	_, _, ok := r.Resolve("c")
	if ok {
		t.Fatal("expected whiteout to hide lower entry")
	}
}

func TestPathResolver_MissingEverywhere(t *testing.T) {
	upper, lower := newLayers(t)
	r, _ := NewPathResolver(upper, lower, nil)
	_, _, ok := r.Resolve("nope")
	if ok {
		t.Fatal("expected miss")
	}
}

func TestPathResolver_Passthrough(t *testing.T) {
	upper, lower := newLayers(t)
	if err := os.MkdirAll(filepath.Join(lower, "node_modules", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lower, "node_modules", "pkg", "f.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewPathResolver(upper, lower, []string{"node_modules/**"})
	if err != nil {
		t.Fatal(err)
	}

	if !r.IsPassthrough("node_modules") {
		t.Fatal("expected the pattern's own directory prefix to be passthrough")
	}
	if !r.IsPassthrough("node_modules/pkg/f.js") {
		t.Fatal("expected file within a ** pattern to be passthrough")
	}
	if r.IsPassthrough("src/main.go") {
		t.Fatal("unrelated path must not be passthrough")
	}

	// Even if the exact same path also exists in the upper layer, passthrough
	// resolution must never consult it.
	if err := os.MkdirAll(filepath.Join(upper, "node_modules", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "node_modules", "pkg", "f.js"), []byte("upper-should-be-ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	abs, layer, ok := r.Resolve("node_modules/pkg/f.js")
	if !ok {
		t.Fatal("expected passthrough resolve to succeed")
	}
	if layer != LayerLower {
		t.Fatalf("passthrough must always resolve against the lower layer, got %v", layer)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "x" {
		t.Fatalf("expected lower-layer content via passthrough, got %q", data)
	}
}

func TestPathResolver_PassthroughAncestorOfPrefix(t *testing.T) {
	upper, lower := newLayers(t)
	r, err := NewPathResolver(upper, lower, []string{"a/b/c/**"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsPassthrough("a") {
		t.Fatal("strict ancestor of the ** prefix must be passthrough")
	}
	if !r.IsPassthrough("a/b") {
		t.Fatal("strict ancestor of the ** prefix must be passthrough")
	}
	if !r.IsPassthrough("a/b/c") {
		t.Fatal("the prefix itself must be passthrough")
	}
	if r.IsPassthrough("a/bx") {
		t.Fatal("sibling of ancestor must not be passthrough")
	}
}

func TestPathResolver_InvalidPatternRejected(t *testing.T) {
	upper, lower := newLayers(t)
	if _, err := NewPathResolver(upper, lower, []string{"["}); err == nil {
		t.Fatal("expected malformed glob pattern to be rejected")
	}
}
