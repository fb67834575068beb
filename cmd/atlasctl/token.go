package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/atlas-ctf/atlas/internal/identity"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign an API token",
	Long: `Sign a bearer token with the server's JWT_SECRET.

Examples:
  # Token for a player of team 3
  atlasctl token --sub alice --team 3

  # Short-lived admin token
  atlasctl token --sub ops --admin --ttl 1h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("sub", "", "Subject (user id) of the token (required)")
	tokenCmd.Flags().Int64("team", 0, "Team id of the user")
	tokenCmd.Flags().Bool("admin", false, "Grant administrator access")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
}

func runToken(cmd *cobra.Command, _ []string) error {
	sub, _ := cmd.Flags().GetString("sub")
	team, _ := cmd.Flags().GetInt64("team")
	admin, _ := cmd.Flags().GetBool("admin")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := identity.NewVerifier(cfg.JWTSecret).Sign(identity.Claims{
		TeamID:           team,
		Admin:            admin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
	}, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
