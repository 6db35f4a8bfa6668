package cleanup

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/divmain/treebeard/internal/config"
	"github.com/divmain/treebeard/internal/gitdriver"
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
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-q", "-m", "init")
	return dir
}

type fakeSyncer struct {
	outcome       string
	synced        int
	failed        int
	symlinks      int
	err           error
	gitCheckFails bool
}

func (f *fakeSyncer) Run(ctx context.Context) (string, int, int, error) {
	return f.outcome, f.synced, f.failed, f.err
}

func (f *fakeSyncer) GitCheckFailed() bool { return f.gitCheckFails }

func (f *fakeSyncer) SymlinkCount() int { return f.symlinks }

func TestOrchestratorSkipsSquashWithNoCommits(t *testing.T) {
	repoDir := initRepo(t)
	base, err := gitdriver.GetHead(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	repo := gitdriver.New(repoDir)
	if err := repo.CreateBranch("feat", ""); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Branch:       "feat",
		RepoPath:     repoDir,
		WorktreePath: repoDir,
		BaseRef:      base,
		Cfg:          config.DefaultConfig(),
		Prompter:     AlwaysNo{},
		Sync:         &fakeSyncer{outcome: "Skipped"},
	}
	o := New(cfg)
	res, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.SquashPerformed {
		t.Fatal("expected no squash when branch has zero commits since base")
	}
}

func TestOrchestratorSquashesOnExit(t *testing.T) {
	repoDir := initRepo(t)
	base, err := gitdriver.GetHead(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	repo := gitdriver.New(repoDir)
	if err := repo.CreateBranch("feat", ""); err != nil {
		t.Fatal(err)
	}

	worktree := t.TempDir()
	if err := repo.WorktreeAdd(worktree, "feat"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(worktree, "b.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := gitdriver.StageAll(worktree); err != nil {
		t.Fatal(err)
	}
	if err := gitdriver.Commit(worktree, "auto-commit 1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(worktree, "b.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := gitdriver.StageAll(worktree); err != nil {
		t.Fatal(err)
	}
	if err := gitdriver.Commit(worktree, "auto-commit 2"); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.OnExit = config.OnExitSquash
	cfg.SquashCommitMessage = "treebeard: {branch}"

	o := New(Config{
		Branch:       "feat",
		RepoPath:     repoDir,
		WorktreePath: worktree,
		BaseRef:      base,
		Cfg:          cfg,
		Prompter:     AlwaysYes{},
		Sync:         &fakeSyncer{outcome: "Skipped"},
	})

	res, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.SquashPerformed {
		t.Fatalf("expected squash to run, got result: %+v (err=%v)", res, res.SquashErr)
	}

	head, err := gitdriver.GetHead(worktree)
	if err != nil {
		t.Fatal(err)
	}
	if head == base {
		t.Fatal("expected a new commit after squash, HEAD unchanged")
	}

	count, err := gitdriver.GetCommitCountSince(worktree, "HEAD", base)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 commit after squash, got %d", count)
	}
}

func TestOrchestratorRemovesWorktreeOnConfirm(t *testing.T) {
	repoDir := initRepo(t)
	repo := gitdriver.New(repoDir)
	if err := repo.CreateBranch("feat", ""); err != nil {
		t.Fatal(err)
	}
	worktree := filepath.Join(t.TempDir(), "wt")
	if err := repo.WorktreeAdd(worktree, "feat"); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	o := New(Config{
		Branch:       "feat",
		RepoPath:     repoDir,
		WorktreePath: worktree,
		Cfg:          cfg,
		Prompter:     AlwaysYes{},
		Sync:         &fakeSyncer{outcome: "Skipped"},
	})

	res, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.WorktreeRemoved {
		t.Fatalf("expected worktree removed, got %+v", res)
	}
	if _, err := os.Stat(worktree); !os.IsNotExist(err) {
		t.Fatal("worktree directory should no longer exist")
	}
}
