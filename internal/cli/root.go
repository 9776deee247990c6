// Package cli provides the command-line interface for faceforge-core.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/h8rt3rmin8r/faceforge/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	homeDir    string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "faceforge-core",
	Short: "Local-first asset storage and ingestion core",
	Long: `faceforge-core stores assets by content hash on the local filesystem or
an S3-compatible service, extracts their metadata with ExifTool, and runs
bulk imports as background jobs.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// hash works on a file alone
		if cmd.Name() == "hash" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.LoadWithHome(configPath, homeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := config.ParseLevel(cfg.Log.Level)
		if verbose {
			level = slog.LevelDebug
		}
		logFile := ""
		if cmd.Name() == "serve" || cmd.Name() == "import" {
			logFile = cfg.LogPath()
		}
		logger, closeLog = config.SetupLogger(logFile, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
			closeLog = nil
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config/core.yaml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "data directory (overrides FACEFORGE_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
