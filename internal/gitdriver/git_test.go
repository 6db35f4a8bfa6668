package gitdriver

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	return dir
}

func TestBranchLifecycle(t *testing.T) {
	dir := initRepo(t)
	if err := writeFile(filepath.Join(dir, "a.txt"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := StageAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := Commit(dir, "init"); err != nil {
		t.Fatal(err)
	}

	repo := New(dir)
	if repo.BranchExists("feature/x") {
		t.Fatal("branch should not exist yet")
	}
	if err := repo.CreateBranch("feature/x", ""); err != nil {
		t.Fatal(err)
	}
	if !repo.BranchExists("feature/x") {
		t.Fatal("branch should now exist")
	}
	if err := repo.CreateBranch("feature/x", ""); err == nil {
		t.Fatal("expected error creating duplicate branch")
	}
}

func TestWorktreeAddRemove(t *testing.T) {
	dir := initRepo(t)
	if err := writeFile(filepath.Join(dir, "a.txt"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := StageAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := Commit(dir, "init"); err != nil {
		t.Fatal(err)
	}

	repo := New(dir)
	if err := repo.CreateBranch("feature/y", ""); err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := repo.WorktreeAdd(wtPath, "feature/y"); err != nil {
		t.Fatal(err)
	}
	if err := repo.WorktreeRemove(wtPath, true); err != nil {
		t.Fatal(err)
	}
}

func TestCheckIgnoreBatch(t *testing.T) {
	dir := initRepo(t)
	if err := writeFile(filepath.Join(dir, ".gitignore"), "*.log\nbuild/\n"); err != nil {
		t.Fatal(err)
	}

	ignored, err := CheckIgnoreBatch(dir, []string{"a.log", "src/main.go", "build/out.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if !ignored["a.log"] {
		t.Error("a.log should be ignored")
	}
	if ignored["src/main.go"] {
		t.Error("src/main.go should not be ignored")
	}
}

func TestIsTransientGitError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"fatal: Unable to create '.git/index.lock': File exists.", true},
		{"error: could not lock config file .git/config", true},
		{"fatal: pathspec 'x' did not match any files", false},
	}
	for _, tc := range cases {
		if got := isTransientGitError(tc.msg); got != tc.want {
			t.Errorf("isTransientGitError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
