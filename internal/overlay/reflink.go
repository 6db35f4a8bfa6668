package overlay

import (
	"context"
	"os/exec"
	"time"

	"github.com/Masterminds/semver/v3"
)

// SetGitVersionProbe lets a caller (cmd/branch.go, with gitdriver.Version)
// wire in a git --version lookup, so the copy-up path can decide whether to attempt a
// reflink-style clone before falling back to a byte copy. Uninstalled, the
// overlay always takes the byte-copy path.
func SetGitVersionProbe(probe func() (*semver.Version, error)) {
	gitVersionProbe = probe
}

// runCP shells out to cp --reflink=auto, which transparently clones on a
// filesystem that supports it (btrfs, xfs with reflink, APFS) and silently
// falls back to a regular copy otherwise. Any failure here is non-fatal:
// the caller always has its own byte-copy fallback.
func runCP(srcPath, dstPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "cp", "--reflink=auto", "--", srcPath, dstPath)
	return cmd.Run()
}
