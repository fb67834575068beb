package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "Manage teams",
	RunE:  runTeamsList,
}

var teamsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a team",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamsCreate,
}

var teamsBanCmd = &cobra.Command{
	Use:   "ban ID",
	Short: "Ban a team from starting challenge containers",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamsBan,
}

func init() {
	teamsBanCmd.Flags().Bool("unban", false, "Lift the ban instead")

	teamsCmd.AddCommand(teamsCreateCmd)
	teamsCmd.AddCommand(teamsBanCmd)
}

func runTeamsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	teams, err := repo.ListTeams(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBANNED")
	for _, t := range teams {
		fmt.Fprintf(w, "%d\t%s\t%t\n", t.ID, t.Name, t.Banned)
	}
	return w.Flush()
}

func runTeamsCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	team, err := repo.CreateTeam(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created team %q (ID: %d)\n", team.Name, team.ID)
	return nil
}

func runTeamsBan(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid team id %q", args[0])
	}
	unban, _ := cmd.Flags().GetBool("unban")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.SetTeamBanned(cmd.Context(), id, !unban); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Team %d banned=%t\n", id, !unban)
	return nil
}
