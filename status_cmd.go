package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	path, err := dbPath()
	if err != nil {
		return err
	}

	store, err := commitgraph.NewStore(path, logger)
	if err != nil {
		return fmt.Errorf("opening commit graph: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()

	unsynced, err := store.UnsyncedCount(ctx)
	if err != nil {
		return err
	}

	heads, err := store.GetHeadCommitIDs(ctx)
	if err != nil {
		return fmt.Errorf("reading head commits: %w", err)
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Database:  %s\n", path)
	fmt.Fprintf(out, "Unsynced:  %d commit(s)\n", unsynced)
	fmt.Fprintf(out, "Heads:     %d\n", len(heads))

	if len(heads) > 1 {
		fmt.Fprintln(out, "Warning: local history has diverged; upload is blocked until the next commit merges the heads.")
	}

	return nil
}
