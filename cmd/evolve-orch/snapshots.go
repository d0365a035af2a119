package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/evolve-orchestrator/internal/snapshots"
)

var snapshotsSession string

func init() {
	snapshotsCmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage saved evolution sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE:  runSnapshotsList,
	}
	listCmd.Flags().StringVar(&snapshotsSession, "session", "", "only snapshots of this session")

	deleteCmd := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSnapshotsDelete,
	}

	snapshotsCmd.AddCommand(listCmd, deleteCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

func openSnapshots() (*snapshots.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return snapshots.New(cfg.General.DatabasePath)
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	store, err := openSnapshots()
	if err != nil {
		return err
	}
	defer store.Close()

	snaps, err := store.List(cmd.Context(), snapshotsSession)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tGEN\tBEST\tSESSION\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\n",
			s.ID, s.Name, s.SnapshotType, s.Generation, s.BestFitness, s.SessionID,
			s.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runSnapshotsDelete(cmd *cobra.Command, args []string) error {
	store, err := openSnapshots()
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range args {
		if err := store.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", id)
	}
	return nil
}
