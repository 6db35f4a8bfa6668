package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/divmain/treebeard/internal/cleanup"
	"github.com/divmain/treebeard/internal/config"
	"github.com/divmain/treebeard/internal/gitdriver"
	"github.com/divmain/treebeard/internal/overlay"
	"github.com/divmain/treebeard/internal/session"
	syncpkg "github.com/divmain/treebeard/internal/sync"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [<names>...]",
	Short: "Tear down one or more branch sessions outside their own process",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Bool("all", false, "clean up every active session")
	cleanupCmd.Flags().Bool("delete-branch", false, "also delete the git branch after cleanup")
	cleanupCmd.Flags().BoolP("yes", "y", false, "answer yes to every confirmation")
	cleanupCmd.Flags().Bool("force", false, "force destructive steps even when a confirmation would normally block")
	cleanupCmd.Flags().Bool("stale", false, "sweep for and remove stale FUSE mounts left by a crashed session, then exit")
}

func runCleanup(cmd *cobra.Command, names []string) error {
	debug, _ := cmd.Root().PersistentFlags().GetBool("debug")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelFor(debug)})).
		With("component", "cmd.cleanup")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	mountRoot := cfg.MountRoot
	if mountRoot == "" {
		mountRoot = filepath.Join(os.TempDir(), "treebeard")
	}

	mgr := overlay.NewMountManager(logger.With("component", "mount"), mountRoot)

	stale, _ := cmd.Flags().GetBool("stale")
	if stale {
		cleaned := mgr.CleanupStaleMounts()
		for _, path := range cleaned {
			fmt.Printf("removed stale mount: %s\n", path)
		}
		if len(cleaned) == 0 {
			fmt.Println("no stale mounts found")
		}
		return nil
	}

	repoPath, err := gitdriver.FindGitDir(".")
	if err != nil {
		return err
	}

	store, err := session.Open(filepath.Join(mountRoot, "active_sessions.db"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	all, _ := cmd.Flags().GetBool("all")
	deleteBranch, _ := cmd.Flags().GetBool("delete-branch")
	yes, _ := cmd.Flags().GetBool("yes")
	force, _ := cmd.Flags().GetBool("force")

	if all {
		records, err := store.List()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		names = nil
		for _, r := range records {
			names = append(names, r.Branch)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no branches given; pass names, or --all, or --stale")
	}

	var prompter cleanup.Prompter = &cleanup.StdPrompter{In: os.Stdin, Out: os.Stdout}
	if yes || force {
		prompter = cleanup.AlwaysYes{}
	}

	for _, branch := range names {
		if err := cleanupOne(logger, store, mgr, repoPath, mountRoot, branch, cfg, prompter, deleteBranch, force); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup %s: %v\n", branch, err)
		}
	}
	return nil
}

func cleanupOne(
	logger *slog.Logger,
	store *session.Store,
	mgr *overlay.MountManager,
	repoPath, mountRoot, branch string,
	cfg *config.Config,
	prompter cleanup.Prompter,
	deleteBranch, force bool,
) error {
	worktreePath := filepath.Join(mountRoot, "worktrees", branch)
	mountPath := filepath.Join(mountRoot, "mounts", branch)
	sessionID := ""

	if rec, err := store.GetByBranch(branch); err == nil && rec != nil {
		worktreePath = rec.WorktreePath
		sessionID = rec.ID
		// A stale or tampered session record must not steer the unmount at
		// an arbitrary path; fall back to the conventional location.
		if err := overlay.ValidateMountPath(rec.MountPath, mountRoot); err == nil {
			mountPath = rec.MountPath
		} else {
			logger.Warn("session record mount path outside managed root, using default",
				"recorded", rec.MountPath, "error", err)
		}
	}

	baseRef, _ := gitdriver.GetHead(repoPath)

	engine := syncpkg.New(repoPath, worktreePath, cfg.Sync, syncpkg.NewPlainPresenter(), nil)
	orchestrator := cleanup.New(cleanup.Config{
		Branch:       branch,
		RepoPath:     repoPath,
		WorktreePath: worktreePath,
		MountPath:    mountPath,
		BaseRef:      baseRef,
		Cfg:          cfg,
		Session:      store,
		SessionID:    sessionID,
		Mgr:          mgr,
		Sync:         engine,
		Prompter:     prompter,
		Log:          logger.With("branch", branch),
	})

	res, err := orchestrator.Run(context.Background(), nil)
	if err != nil {
		return err
	}
	fmt.Printf("%s:\n%s", branch, res.Summary())

	if deleteBranch {
		if err := gitdriver.DeleteBranch(repoPath, branch, force); err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
	}
	return nil
}
