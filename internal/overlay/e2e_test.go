package overlay_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/divmain/treebeard/internal/overlay"
)

func TestOverlayScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Overlay Scenario Suite")
}

// harness drives the overlay through its raw callbacks against real
// temp-directory layers, the same way the kernel would, without needing an
// actual FUSE mount.
type harness struct {
	fs     *overlay.OverlayFs
	upper  string
	lower  string
	signal *overlay.MutationSignal
}

func newHarness(passthrough ...string) *harness {
	root := GinkgoT().TempDir()
	upper := filepath.Join(root, "upper")
	lower := filepath.Join(root, "lower")
	Expect(os.MkdirAll(upper, 0o755)).To(Succeed())
	Expect(os.MkdirAll(lower, 0o755)).To(Succeed())

	signal := overlay.NewMutationSignal()
	fs, err := overlay.NewOverlayFs(overlay.Config{
		UpperLayer:          upper,
		LowerLayer:          lower,
		PassthroughPatterns: passthrough,
		InodeCacheSize:      overlay.DefaultInodeCacheSize,
		TTL:                 time.Second,
		Mutations:           signal,
	})
	Expect(err).NotTo(HaveOccurred())
	return &harness{fs: fs, upper: upper, lower: lower, signal: signal}
}

func (h *harness) lookup(parent overlay.Ino, name string) (overlay.Ino, fuse.Status) {
	var out fuse.EntryOut
	st := h.fs.Lookup(nil, &fuse.InHeader{NodeId: uint64(parent)}, name, &out)
	return overlay.Ino(out.NodeId), st
}

func (h *harness) openWrite(ino overlay.Ino) uint64 {
	var out fuse.OpenOut
	st := h.fs.Open(nil, &fuse.OpenIn{
		InHeader: fuse.InHeader{NodeId: uint64(ino)},
		Flags:    uint32(syscall.O_WRONLY),
	}, &out)
	Expect(st).To(Equal(fuse.OK))
	return out.Fh
}

func (h *harness) write(fh uint64, offset uint64, data string) {
	n, st := h.fs.Write(nil, &fuse.WriteIn{Fh: fh, Offset: offset}, []byte(data))
	Expect(st).To(Equal(fuse.OK))
	Expect(int(n)).To(Equal(len(data)))
	Expect(h.fs.Flush(nil, &fuse.FlushIn{Fh: fh})).To(Equal(fuse.OK))
}

var _ = Describe("ignored-file tracking", func() {
	It("copies a lower-layer file up on first write and signals the path", func() {
		h := newHarness()
		Expect(os.WriteFile(filepath.Join(h.lower, "app.log"), []byte("v1\n"), 0o644)).To(Succeed())

		ino, st := h.lookup(overlay.RootIno, "app.log")
		Expect(st).To(Equal(fuse.OK))

		fh := h.openWrite(ino)
		h.write(fh, 3, "v2\n")

		data, err := os.ReadFile(filepath.Join(h.upper, "app.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("v1\nv2\n"))

		lowerData, err := os.ReadFile(filepath.Join(h.lower, "app.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(lowerData)).To(Equal("v1\n"), "lower layer must stay untouched")

		snap := h.fs.MutationTracker().Snapshot()
		Expect(snap).To(HaveKeyWithValue("app.log", overlay.MutationCopiedUp))

		Eventually(h.signal.Receiver()).Should(Receive(Equal("app.log")))
	})

	It("creates every missing ancestor in the upper layer during copy-up", func() {
		h := newHarness()
		deep := filepath.Join(h.lower, "deep", "nested", "dir")
		Expect(os.MkdirAll(deep, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(deep, "file.txt"), []byte("x"), 0o644)).To(Succeed())

		parent := overlay.RootIno
		for _, name := range []string{"deep", "nested", "dir"} {
			ino, st := h.lookup(parent, name)
			Expect(st).To(Equal(fuse.OK))
			parent = ino
		}
		fileIno, st := h.lookup(parent, "file.txt")
		Expect(st).To(Equal(fuse.OK))

		fh := h.openWrite(fileIno)
		h.write(fh, 0, "y")

		for _, d := range []string{"deep", "deep/nested", "deep/nested/dir", "deep/nested/dir/file.txt"} {
			_, err := os.Lstat(filepath.Join(h.upper, d))
			Expect(err).NotTo(HaveOccurred(), "expected %s in upper layer", d)
		}
	})
})

var _ = Describe("whiteout symmetry", func() {
	It("hides a deleted lower file and restores it on re-create", func() {
		h := newHarness()
		Expect(os.WriteFile(filepath.Join(h.lower, "b"), []byte("b"), 0o644)).To(Succeed())

		_, st := h.lookup(overlay.RootIno, "b")
		Expect(st).To(Equal(fuse.OK))

		Expect(h.fs.Unlink(nil, &fuse.InHeader{NodeId: uint64(overlay.RootIno)}, "b")).To(Equal(fuse.OK))
		Expect(overlay.HasWhiteout(h.upper, "b")).To(BeTrue())

		_, st = h.lookup(overlay.RootIno, "b")
		Expect(st).To(Equal(fuse.ENOENT))

		var createOut fuse.CreateOut
		st = h.fs.Create(nil, &fuse.CreateIn{
			InHeader: fuse.InHeader{NodeId: uint64(overlay.RootIno)},
			Flags:    uint32(syscall.O_WRONLY),
			Mode:     0o644,
		}, "b", &createOut)
		Expect(st).To(Equal(fuse.OK))

		Expect(overlay.HasWhiteout(h.upper, "b")).To(BeFalse())
		_, st = h.lookup(overlay.RootIno, "b")
		Expect(st).To(Equal(fuse.OK))
	})
})

var _ = Describe("rename across layers", func() {
	It("leaves a whiteout at the source and an upper-layer file at the target", func() {
		h := newHarness()
		Expect(os.WriteFile(filepath.Join(h.lower, "x"), []byte("hello"), 0o644)).To(Succeed())

		_, st := h.lookup(overlay.RootIno, "x")
		Expect(st).To(Equal(fuse.OK))

		st = h.fs.Rename(nil, &fuse.RenameIn{
			InHeader: fuse.InHeader{NodeId: uint64(overlay.RootIno)},
			Newdir:   uint64(overlay.RootIno),
		}, "x", "y")
		Expect(st).To(Equal(fuse.OK))

		Expect(overlay.HasWhiteout(h.upper, "x")).To(BeTrue())
		data, err := os.ReadFile(filepath.Join(h.upper, "y"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("hello"))

		_, st = h.lookup(overlay.RootIno, "x")
		Expect(st).To(Equal(fuse.ENOENT))
		_, st = h.lookup(overlay.RootIno, "y")
		Expect(st).To(Equal(fuse.OK))
	})
})

var _ = Describe("passthrough paths", func() {
	It("keeps every operation on the lower layer", func() {
		h := newHarness("vendor/**")
		Expect(os.MkdirAll(filepath.Join(h.lower, "vendor"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(h.lower, "vendor", "f"), []byte("v1"), 0o644)).To(Succeed())

		vendorIno, st := h.lookup(overlay.RootIno, "vendor")
		Expect(st).To(Equal(fuse.OK))
		fileIno, st := h.lookup(vendorIno, "f")
		Expect(st).To(Equal(fuse.OK))

		fh := h.openWrite(fileIno)
		h.write(fh, 0, "v2")

		data, err := os.ReadFile(filepath.Join(h.lower, "vendor", "f"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("v2"))

		_, err = os.Lstat(filepath.Join(h.upper, "vendor"))
		Expect(os.IsNotExist(err)).To(BeTrue(), "upper layer must never see a passthrough path")
	})
})
