package sync

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/ncruces/go-strftime"
)

// PlainPresenter renders the change list to Out and pre-selects everything.
// The CLI subcommands use it whether or not stdout is a terminal; the module
// has no arrow-key/paging presenter.
type PlainPresenter struct {
	Out   io.Writer
	Force bool // not read by Present, which never checks whether Out is a terminal
}

// NewPlainPresenter constructs a presenter writing to os.Stdout.
func NewPlainPresenter() *PlainPresenter {
	return &PlainPresenter{Out: os.Stdout}
}

// IsInteractive reports whether out, if it's an *os.File, is connected to a
// terminal.
func IsInteractive(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Present prints a directory-grouped summary and
// selects every item; callers that need interactive pruning should supply
// their own Presenter.
func (p *PlainPresenter) Present(items []ChangeItem) ([]ChangeItem, bool) {
	printChangeSummary(p.Out, items)

	out := make([]ChangeItem, len(items))
	copy(out, items)
	for i := range out {
		out[i].Selected = true
	}
	return out, true
}

// printChangeSummary writes one line per top-level item, drilling into a
// directory's file list only when it has at most MaxDrillInFiles entries.
func printChangeSummary(w io.Writer, items []ChangeItem) {
	sorted := make([]ChangeItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	fmt.Fprintf(w, "%s pending change%s as of %s:\n",
		humanize.Comma(int64(len(sorted))), plural(len(sorted)),
		strftime.Format("%Y-%m-%d %H:%M:%S", time.Now()))

	for _, it := range sorted {
		if !it.IsDir {
			fmt.Fprintf(w, "  %s  %s\n", kindGlyph(it.Kind), it.Path)
			continue
		}
		fmt.Fprintf(w, "  [dir] %s  (+%d ~%d -%d)\n", it.Path, it.Added, it.Modified, it.Deleted)
		if len(it.Files) <= MaxDrillInFiles {
			for _, f := range it.Files {
				fmt.Fprintf(w, "      %s\n", f)
			}
		} else {
			fmt.Fprintf(w, "      ... %s files, pass a narrower path to drill in\n", humanize.Comma(int64(len(it.Files))))
		}
	}
}

func kindGlyph(k ItemKind) string {
	switch k {
	case KindAdded:
		return "+"
	case KindDeleted:
		return "-"
	default:
		return "~"
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// previewable reports whether a file is small enough to show inline in a
// diff preview rather than a size stub.
func previewable(size int64) bool {
	return size <= MaxPreviewBytes
}

// stubLine renders a one-line diff stand-in for a file that exceeds the
// preview thresholds (too large, too many lines, or too wide).
func stubLine(path string, size int64) string {
	return fmt.Sprintf("%s (%s, preview skipped)", path, humanize.Bytes(uint64(size)))
}

// truncateDiffLines trims a unified diff to MaxDiffLines lines of at most
// MaxDiffLineWidth bytes each.
func truncateDiffLines(diff string) string {
	lines := strings.Split(diff, "\n")
	truncated := false
	if len(lines) > MaxDiffLines {
		lines = lines[:MaxDiffLines]
		truncated = true
	}
	for i, l := range lines {
		if len(l) > MaxDiffLineWidth {
			lines[i] = l[:MaxDiffLineWidth] + "…"
			truncated = true
		}
	}
	out := strings.Join(lines, "\n")
	if truncated {
		out += "\n…\n"
	}
	return out
}
