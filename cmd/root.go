package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/config"
)

const (
	AppName = "quill"
	Version = "0.3.0"
)

var (
	logger  *slog.Logger
	homeDir string
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Static API keys may live in a .env next to the working directory.
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment from .env")
	}

	var err error
	homeDir, err = os.UserHomeDir()
	if err != nil {
		logger.Error("Failed to get home directory", "error", err)
		os.Exit(1)
	}

	baseDir = filepath.Join(homeDir, "."+AppName)
	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:     AppName,
	Short:   "Quill - multi-backend code assistant engine",
	Long:    `Chat with and receive code completions from one of several remote language-model backends.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(configCmd)
}

func ensureConfigExists() error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found at %s, run '%s config init' first", cfgMgr.GetPath(), AppName)
	}
	if _, err := cfgMgr.Load(); err != nil {
		return err
	}
	return nil
}
