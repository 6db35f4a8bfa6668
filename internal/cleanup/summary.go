package cleanup

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Summary renders a human-readable one-paragraph report of what a teardown
// actually did, for the `branch`/`cleanup` commands to print on exit.
func (r *Result) Summary() string {
	var b strings.Builder

	if r.AutoCommitFailures > 0 {
		fmt.Fprintf(&b, "%s auto-commit failure%s during the session\n",
			humanize.Comma(int64(r.AutoCommitFailures)), plural(r.AutoCommitFailures))
	}

	switch {
	case r.SquashPerformed:
		b.WriteString("squashed commits into one\n")
	case r.SquashErr != nil:
		fmt.Fprintf(&b, "squash skipped: %v\n", r.SquashErr)
	}

	switch r.SyncOutcome {
	case "Synced":
		fmt.Fprintf(&b, "synced %s file%s back to the main repository\n",
			humanize.Comma(int64(r.SyncSynced)), plural(uint64(r.SyncSynced)))
	case "Partial":
		fmt.Fprintf(&b, "synced %s file%s, %s failed\n",
			humanize.Comma(int64(r.SyncSynced)), plural(uint64(r.SyncSynced)), humanize.Comma(int64(r.SyncFailed)))
	case "Cancelled":
		b.WriteString("sync cancelled\n")
	case "GitCheckFailed":
		b.WriteString("sync skipped: gitignore classification failed\n")
	}

	if r.SyncSymlinks > 0 {
		fmt.Fprintf(&b, "skipped %s symlink%s during sync\n",
			humanize.Comma(int64(r.SyncSymlinks)), plural(uint64(r.SyncSymlinks)))
	}

	if r.WorktreeRemoved {
		b.WriteString("worktree removed\n")
	}

	if b.Len() == 0 {
		return "nothing to do\n"
	}
	return b.String()
}

func plural(n uint64) string {
	if n == 1 {
		return ""
	}
	return "s"
}
