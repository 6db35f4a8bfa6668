package cleanup

import (
	"strings"
	"testing"
)

func TestSummaryReportsSkippedSymlinks(t *testing.T) {
	r := &Result{SyncOutcome: "Synced", SyncSynced: 2, SyncSymlinks: 3}
	out := r.Summary()
	if !strings.Contains(out, "skipped 3 symlinks during sync") {
		t.Fatalf("summary missing symlink count: %q", out)
	}
}

func TestSummaryOmitsSymlinkLineWhenNoneSkipped(t *testing.T) {
	r := &Result{SyncOutcome: "Synced", SyncSynced: 1}
	if strings.Contains(r.Summary(), "symlink") {
		t.Fatalf("summary must not mention symlinks when none were skipped: %q", r.Summary())
	}
}
