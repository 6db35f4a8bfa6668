package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountManager brings a FUSE mount up on a directory, polls for readiness,
// and tears it down again. Every teardown entry point re-validates that the
// target lives under mountRoot before invoking the platform unmount program,
// so a stale or corrupted mount path can never unmount an arbitrary
// filesystem.
type MountManager struct {
	log       *slog.Logger
	mountRoot string
}

// NewMountManager constructs a manager using logger (slog.Default() if nil)
// whose unmount operations are confined to paths under mountRoot.
func NewMountManager(logger *slog.Logger, mountRoot string) *MountManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MountManager{log: logger, mountRoot: mountRoot}
}

// MountedFs is a running FUSE mount together with its overlay filesystem and
// the go-fuse server driving it.
type MountedFs struct {
	MountPath string
	Overlay   *OverlayFs
	server    *fuse.Server
}

// Mount creates mountPath if needed, brings up the FUSE server in a dedicated
// goroutine (one mount, one serving goroutine), and blocks
// until the kernel reports the mount is live or a timeout elapses. It does
// not check mountPath against the mount root; see ValidateMountPath.
func (m *MountManager) Mount(ctx context.Context, mountPath string, ofs *OverlayFs, debug bool) (*MountedFs, error) {
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return nil, fmt.Errorf("create mount dir: %w", err)
	}

	opts := &fuse.MountOptions{
		FsName:     "treebeard",
		Name:       "treebeard",
		Debug:      debug,
		AllowOther: false,
	}

	server, err := fuse.NewServer(ofs, mountPath, opts)
	if err != nil {
		return nil, fmt.Errorf("mount fuse at %s: %w", mountPath, err)
	}

	go server.Serve()

	if err := m.waitForReady(ctx, mountPath, server); err != nil {
		_ = server.Unmount()
		return nil, err
	}

	m.log.Info("fuse mount ready", "path", mountPath)
	return &MountedFs{MountPath: mountPath, Overlay: ofs, server: server}, nil
}

func (m *MountManager) waitForReady(ctx context.Context, mountPath string, server *fuse.Server) error {
	deadline := time.Now().Add(2 * time.Second)
	const pollInterval = 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.ReadDir(mountPath); err == nil {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("fuse mount at %s did not become ready within timeout", mountPath)
}

// ValidateMountPath rejects any path that does not resolve under baseDir,
// preventing a misconfigured mount target from escaping the managed mounts
// directory.
func ValidateMountPath(mountPath, baseDir string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return err
	}
	absMount, err := filepath.Abs(mountPath)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absBase, absMount)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("mount path %s is outside managed mounts directory %s", mountPath, baseDir)
	}
	return nil
}

// Unmount requests the kernel drop the mount, trying the platform-native
// unmount command and falling back to the server's own Unmount.
func (m *MountManager) Unmount(mf *MountedFs) error {
	if err := ValidateMountPath(mf.MountPath, m.mountRoot); err != nil {
		return err
	}
	if err := platformUnmount(mf.MountPath); err != nil {
		m.log.Warn("platform unmount failed, falling back to server unmount", "path", mf.MountPath, "error", err)
		return mf.server.Unmount()
	}
	return nil
}

// Wait blocks until the mount's FUSE server loop exits, which happens on
// unmount.
func (mf *MountedFs) Wait() {
	mf.server.Wait()
}

func platformUnmount(mountPath string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("diskutil", "unmount", "force", mountPath)
	default:
		cmd = exec.Command("umount", mountPath)
	}
	return cmd.Run()
}

// FuseCleanupResult reports what PerformFuseCleanup actually managed to do,
// so CleanupOrchestrator can decide whether a stale mount needs a second
// pass.
type FuseCleanupResult struct {
	UnmountSucceeded bool
	DirectoryRemoved bool
}

// PerformFuseCleanup unmounts mountPath and removes the now-empty mount
// directory, tolerating either step already having happened. A path outside
// the managed mounts directory is refused outright.
func (m *MountManager) PerformFuseCleanup(mountPath string) FuseCleanupResult {
	result := FuseCleanupResult{}

	if err := ValidateMountPath(mountPath, m.mountRoot); err != nil {
		m.log.Warn("refusing cleanup of mount path outside managed root", "mount_path", mountPath, "error", err)
		return result
	}

	if err := platformUnmount(mountPath); err == nil {
		result.UnmountSucceeded = true
	} else if _, statErr := os.Stat(mountPath); os.IsNotExist(statErr) {
		result.UnmountSucceeded = true
	}

	if err := os.Remove(mountPath); err == nil || os.IsNotExist(err) {
		result.DirectoryRemoved = true
	}

	return result
}

var staleMountPattern = regexp.MustCompile(`/dev/\S+ on (\S+) \(.*treebeard.*\)`)

// CleanupStaleMounts scans the system mount table for leftover treebeard
// mounts (e.g. after a crash) and unmounts+removes each one. Honors
// TREEBEARD_NO_CLEANUP for tests and debugging. The sweep reads the mount
// table via the "mount" command on both macOS and Linux.
func (m *MountManager) CleanupStaleMounts() []string {
	if os.Getenv("TREEBEARD_NO_CLEANUP") != "" {
		return nil
	}

	out, err := exec.Command("mount").Output()
	if err != nil {
		m.log.Warn("list mounts for stale-mount sweep", "error", err)
		return nil
	}

	var cleaned []string
	for _, line := range strings.Split(string(out), "\n") {
		match := staleMountPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		path := match[1]
		result := m.PerformFuseCleanup(path)
		if result.UnmountSucceeded {
			cleaned = append(cleaned, path)
		}
	}
	return cleaned
}
