package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/lease"
)

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "List challenge container leases",
	RunE:  runLeases,
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Stop and remove expired leases once",
	Long: `Run a single expiry sweep: every lease older than its challenge's
lease duration has its container stopped and its record removed. Leases
whose container cannot be stopped are kept for the next sweep.`,
	RunE: runReap,
}

func init() {
	leasesCmd.Flags().Bool("expired", false, "Only show expired leases")
}

func runLeases(cmd *cobra.Command, _ []string) error {
	onlyExpired, _ := cmd.Flags().GetBool("expired")

	tracker, cleanup, err := openTracker()
	if err != nil {
		return err
	}
	defer cleanup()

	leases, err := tracker.ListAll(cmd.Context())
	if err != nil {
		return err
	}
	if onlyExpired {
		filtered := leases[:0]
		for _, l := range leases {
			if l.Expired {
				filtered = append(filtered, l)
			}
		}
		leases = filtered
	}
	printLeases(cmd.OutOrStdout(), leases, time.Now())
	return nil
}

func printLeases(out io.Writer, leases []domain.LeaseSummary, now time.Time) {
	if len(leases) == 0 {
		fmt.Fprintln(out, "No leases")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER\tTEAM\tCHALLENGE\tPORT\tAGE\tEXPIRED")
	for _, l := range leases {
		id := l.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		age := now.Sub(l.CreatedAt).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\n", id, l.Team.Name, l.Challenge.Title, l.Port, age, l.Expired)
	}
	_ = w.Flush()
}

func runReap(cmd *cobra.Command, _ []string) error {
	tracker, cleanup, err := openTracker()
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := lease.NewReaper(tracker, 0).SweepOnce(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d expired leases\n", n)
	return err
}

func openTracker() (*lease.Tracker, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	repo, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = rt.Close()
		_ = repo.Close()
	}
	return lease.NewTracker(repo, repo, rt, lease.OptionsFromConfig(cfg)), cleanup, nil
}
