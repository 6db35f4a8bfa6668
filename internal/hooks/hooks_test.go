package hooks

import (
	"context"
	"strings"
	"testing"
)

func TestShellEscape(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "feature/foo", "'feature/foo'"},
		{"single quote", "it's", `'it'\''s'`},
		{"empty", "", "''"},
		{"injection attempt", "$(rm -rf /)", "'$(rm -rf /)'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shellEscape(tc.in); got != tc.want {
				t.Errorf("shellEscape(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExpandTemplate(t *testing.T) {
	c := NewContext("my-branch", "/mnt/x", "/wt/x", "/repo").WithDiff("a'b")
	got := expandTemplate("echo {{branch}} {{mount_path}} {{diff}}", c)
	want := "echo 'my-branch' '/mnt/x' 'a'\\''b'"
	if got != want {
		t.Errorf("expandTemplate = %q, want %q", got, want)
	}
}

func TestEnvVars(t *testing.T) {
	c := NewContext("b", "/m", "/w", "/r")
	vars := c.EnvVars()
	want := map[string]bool{
		"TREEBEARD_BRANCH=b":        true,
		"TREEBEARD_MOUNT_PATH=/m":   true,
		"TREEBEARD_WORKTREE_PATH=/w": true,
		"TREEBEARD_REPO_PATH=/r":    true,
	}
	for _, v := range vars {
		if !want[v] {
			t.Errorf("unexpected env var %q", v)
		}
		delete(want, v)
	}
	if len(want) != 0 {
		t.Errorf("missing env vars: %v", want)
	}
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	c := NewContext("b", "/m", "/w", "/r")
	err := Run(context.Background(), []string{
		"echo first > /dev/null",
		"exit 1",
		"echo should-not-run > /tmp/treebeard-hook-test-marker",
	}, c)
	if err == nil {
		t.Fatal("expected error from failing hook command")
	}
}

func TestRunCommitMessageHookEmptyOutputFallsBack(t *testing.T) {
	c := NewContext("b", "/m", "/w", "/r")
	msg, ok, err := RunCommitMessageHook(context.Background(), "printf ''", c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for empty output, got message %q", msg)
	}
}

func TestRunCommitMessageHookTrimsWhitespace(t *testing.T) {
	c := NewContext("b", "/m", "/w", "/r")
	msg, ok, err := RunCommitMessageHook(context.Background(), "printf '  hello world  \\n'", c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if msg != "hello world" {
		t.Fatalf("message = %q, want %q", msg, "hello world")
	}
}

func TestRunCommitMessageHookNonZeroExitIsError(t *testing.T) {
	c := NewContext("b", "/m", "/w", "/r")
	_, _, err := RunCommitMessageHook(context.Background(), "echo oops >&2; exit 3", c)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Fatalf("error %q does not contain stderr content", err.Error())
	}
}
