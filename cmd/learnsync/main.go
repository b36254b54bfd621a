// Command learnsync keeps a learning app usable offline: it caches content
// locally, queues writes while the backend is unreachable and replays them
// when connectivity returns.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/learnpath/learnsync/internal/config"
	"github.com/learnpath/learnsync/internal/logging"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "learnsync",
	Short: "Offline-first sync engine for the learning app",
	Long: `learnsync stores lessons and progress in a local SQLite database, queues
writes made while the backend is unreachable, and replays them in order
once the connection comes back.

Configuration is read from learnsync.yaml or learnsync.toml in the current
directory or $HOME/.learnsync, and from LEARNSYNC_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		l, err := logging.New(loaded.Logging)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml or toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
