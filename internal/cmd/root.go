package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "treebeard",
	Short: "Ephemeral, isolated filesystem views of Git feature branches",
	Long: `Treebeard gives each feature branch an ephemeral, isolated filesystem
view of a Git repository: a copy-on-write overlay mounted on top of a real
git worktree, with debounced auto-commits and a squash/sync teardown on exit.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (ignored: subcommands load the config from its default location, ~/.config/treebeard/config.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
}
