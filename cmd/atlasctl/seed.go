package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlas-ctf/atlas/internal/catalog"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import challenges from a catalog file",
	Long: `Import challenges from a YAML catalog file. Challenges are matched by
title: existing ones are updated, new ones are created.

Examples:
  # Validate a catalog without touching the database
  atlasctl seed -f challenges.yaml --dry-run

  # Import it
  atlasctl seed -f challenges.yaml`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringP("file", "f", "", "Catalog YAML file (required)")
	seedCmd.Flags().Bool("dry-run", false, "Validate the file only")
	_ = seedCmd.MarkFlagRequired("file")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	challenges, err := catalog.LoadFile(path)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d challenges OK\n", path, len(challenges))
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := catalog.Seed(cmd.Context(), repo, challenges)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d challenges from %s\n", n, path)
	return nil
}
