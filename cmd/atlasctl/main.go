// atlasctl is the operator tool for an Atlas deployment. It shares the
// server's environment configuration and database.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atlas-ctf/atlas/internal/config"
	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/store"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "atlasctl",
	Short: "Atlas operator tool",
	Long: `atlasctl manages an Atlas deployment directly through its database
and container runtime. It reads the same environment (and .env file)
as the server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		level := slog.LevelWarn
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("atlasctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(leasesCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(teamsCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	return config.Load()
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return repo, nil
}

func openRuntime(cfg *config.Config) (*container.DockerRuntime, error) {
	rt, err := container.NewDockerRuntime(container.DockerOptions{
		Host:            cfg.Runtime.DockerHost,
		OCIRuntime:      cfg.Runtime.OCIRuntime,
		StopTimeoutSecs: int(cfg.Timeout.Stop / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	return rt, nil
}
