package overlay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/hanwen/go-fuse/v2/fuse"
)

func TestHostSupportsReflink_VersionGate(t *testing.T) {
	t.Cleanup(func() { SetGitVersionProbe(nil) })

	SetGitVersionProbe(nil)
	if hostSupportsReflink() {
		t.Fatal("no probe installed must mean no reflink attempt")
	}

	SetGitVersionProbe(func() (*semver.Version, error) {
		return semver.MustParse("2.20.0"), nil
	})
	if hostSupportsReflink() {
		t.Fatal("a git older than the floor must not enable reflink")
	}

	SetGitVersionProbe(func() (*semver.Version, error) {
		return nil, errors.New("git not found")
	})
	if hostSupportsReflink() {
		t.Fatal("a failing probe must not enable reflink")
	}

	SetGitVersionProbe(func() (*semver.Version, error) {
		return semver.MustParse("2.43.0"), nil
	})
	if !hostSupportsReflink() {
		t.Fatal("a modern git must enable the reflink attempt")
	}
}

// With the probe reporting a modern git, copy-up takes the cp --reflink=auto
// path (which silently degrades to a plain copy on filesystems without
// cloning support); either way the upper-layer content must match the lower
// source byte for byte.
func TestCopyUp_ReflinkPathProducesIdenticalContent(t *testing.T) {
	t.Cleanup(func() { SetGitVersionProbe(nil) })
	SetGitVersionProbe(func() (*semver.Version, error) {
		return semver.MustParse("2.43.0"), nil
	})

	fs, upper, lower := newTestFs(t)
	content := []byte("reflink me\nplease\n")
	if err := os.WriteFile(filepath.Join(lower, "data.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	ino, _ := lookup(t, fs, RootIno, "data.bin")

	var openOut fuse.OpenOut
	st := fs.Open(nil, &fuse.OpenIn{
		InHeader: fuse.InHeader{NodeId: uint64(ino)},
		Flags:    syscallWRONLY,
	}, &openOut)
	if !st.Ok() {
		t.Fatalf("open for write failed: %v", st)
	}

	got, err := os.ReadFile(filepath.Join(upper, "data.bin"))
	if err != nil {
		t.Fatalf("expected upper-layer copy after copy-up: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("upper content diverges from lower source: %q", got)
	}
}
