package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/divmain/treebeard/internal/cleanup"
	"github.com/divmain/treebeard/internal/config"
	"github.com/divmain/treebeard/internal/errs"
	"github.com/divmain/treebeard/internal/gitdriver"
	"github.com/divmain/treebeard/internal/hooks"
	"github.com/divmain/treebeard/internal/overlay"
	"github.com/divmain/treebeard/internal/session"
	syncpkg "github.com/divmain/treebeard/internal/sync"
	"github.com/divmain/treebeard/internal/watcher"
)

var branchCmd = &cobra.Command{
	Use:   "branch <name> [-- <command>...]",
	Short: "Create a branch's ephemeral overlay mount and run a command in it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBranch,
}

func init() {
	rootCmd.AddCommand(branchCmd)
	branchCmd.Flags().Bool("no-shell", false, "don't fall back to $SHELL when no command is given")
}

func runBranch(cmd *cobra.Command, args []string) error {
	branchName := args[0]
	childArgs := args[1:]
	noShell, _ := cmd.Flags().GetBool("no-shell")
	debug, _ := cmd.Root().PersistentFlags().GetBool("debug")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFor(debug),
	})).With("component", "cmd.branch", "branch", branchName)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repoPath, err := gitdriver.FindGitDir(".")
	if err != nil {
		return err
	}
	repo := gitdriver.New(repoPath)
	baseRef, err := gitdriver.GetHead(repoPath)
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}

	if _, err := gitdriver.OfferStashIfNeeded(repoPath, true); err != nil {
		logger.Warn("auto-stash before worktree creation failed", "error", err)
	}

	if !repo.BranchExists(branchName) {
		if err := repo.CreateBranch(branchName, ""); err != nil {
			return fmt.Errorf("create branch %s: %w", branchName, err)
		}
	}

	mountRoot := cfg.MountRoot
	if mountRoot == "" {
		mountRoot = filepath.Join(os.TempDir(), "treebeard")
	}
	worktreePath := filepath.Join(mountRoot, "worktrees", branchName)
	mountPath := filepath.Join(mountRoot, "mounts", branchName)
	upperPath := filepath.Join(mountRoot, "upper", branchName)

	if !gitdriver.WorktreeExists(repoPath, worktreePath) {
		if err := repo.WorktreeAdd(worktreePath, branchName); err != nil {
			return fmt.Errorf("create worktree: %w", err)
		}
	}
	gitdriver.EnsureIdentity(worktreePath)

	if err := os.MkdirAll(upperPath, 0o755); err != nil {
		return fmt.Errorf("create upper layer: %w", err)
	}
	if err := overlay.ValidateMountPath(mountPath, mountRoot); err != nil {
		return err
	}

	// Let copy-up attempt a content-cloning copy when the host toolchain is
	// new enough; without the probe it always byte-copies.
	overlay.SetGitVersionProbe(gitdriver.Version)

	mutationSignal := overlay.NewMutationSignal()
	ofs, err := overlay.NewOverlayFs(overlay.Config{
		UpperLayer:          upperPath,
		LowerLayer:          worktreePath,
		PassthroughPatterns: cfg.Passthrough,
		InodeCacheSize:      cfg.InodeCacheSize,
		TTL:                 cfg.FuseTTL(),
		Logger:              logger.With("component", "overlay"),
		Mutations:           mutationSignal,
	})
	if err != nil {
		return &errs.Fuse{Msg: "build overlay filesystem", Cause: err}
	}

	mgr := overlay.NewMountManager(logger.With("component", "mount"), mountRoot)
	for _, stale := range mgr.CleanupStaleMounts() {
		logger.Info("cleaned up stale mount", "path", stale)
	}

	mountCtx, cancelMount := context.WithTimeout(context.Background(), 10*time.Second)
	mounted, err := mgr.Mount(mountCtx, mountPath, ofs, debug)
	cancelMount()
	if err != nil {
		return &errs.Fuse{Msg: "mount overlay", Cause: err}
	}

	sessionDB := filepath.Join(mountRoot, "active_sessions.db")
	store, err := session.Open(sessionDB)
	if err != nil {
		logger.Warn("open session store failed", "error", err)
	}
	var sessionID string
	if store != nil {
		rec, err := store.Start(repoPath, branchName, worktreePath, mountPath, time.Now())
		if err != nil {
			logger.Warn("record session start failed", "error", err)
		} else {
			sessionID = rec.ID
		}
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	w := watcher.New(watcher.CommitConfig{
		DefaultMessage:    cfg.AutoCommitMessage,
		CommitMessageHook: cfg.Hooks.CommitMessage,
		Branch:            branchName,
		MountPath:         mountPath,
		WorktreePath:      worktreePath,
		RepoPath:          repoPath,
		DebounceInterval:  cfg.AutoCommitDebounce(),
	}, watcher.ModeWithHooks, logger.With("component", "watcher"))
	go w.Run(watchCtx, mutationSignal.Receiver())

	if cfg.Hooks.PostCreate != "" {
		hookCtx := hooks.NewContext(branchName, mountPath, worktreePath, repoPath)
		if err := hooks.Run(context.Background(), []string{cfg.Hooks.PostCreate}, hookCtx); err != nil {
			logger.Warn("post_create hook failed", "error", err)
		}
	}

	engine := syncpkg.New(repoPath, worktreePath, cfg.Sync, syncpkg.NewPlainPresenter(), ofs.MutationTracker())
	orchestrator := cleanup.New(cleanup.Config{
		Branch:       branchName,
		RepoPath:     repoPath,
		WorktreePath: worktreePath,
		MountPath:    mountPath,
		BaseRef:      baseRef,
		Cfg:          cfg,
		Session:      store,
		SessionID:    sessionID,
		Mount:        mounted,
		Mgr:          mgr,
		Sync:         engine,
		Prompter:     &cleanup.StdPrompter{In: os.Stdin, Out: os.Stdout},
		Log:          logger.With("component", "cleanup"),
	})

	runCleanup := func() {
		cancelWatch()
		res, err := orchestrator.Run(context.Background(), w)
		if err != nil {
			logger.Error("cleanup failed", "error", err)
			return
		}
		fmt.Print(res.Summary())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	var closeDone sync.Once
	stopDone := func() { closeDone.Do(func() { close(done) }) }
	go func() {
		select {
		case <-sigCh:
			runCleanup()
			stopDone()
		case <-done:
		}
	}()

	exitCode := runChild(mountPath, childArgs, noShell)
	stopDone()
	if store != nil {
		defer store.Close()
	}
	runCleanup()

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func runChild(cwd string, args []string, noShell bool) int {
	var cmd *exec.Cmd
	if len(args) > 0 {
		cmd = exec.Command(args[0], args[1:]...)
	} else if !noShell {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.Command(shell)
	} else {
		return 0
	}
	cmd.Dir = cwd
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return 1
	}
	return 0
}

func levelFor(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
