package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

func newLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "List commits in the local graph",
		RunE:  runLog,
	}
}

func runLog(cmd *cobra.Command, _ []string) error {
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

	commits, err := store.ListCommits(ctx)
	if err != nil {
		return fmt.Errorf("listing commits: %w", err)
	}

	heads, err := store.GetHeadCommitIDs(ctx)
	if err != nil {
		return fmt.Errorf("reading head commits: %w", err)
	}

	headSet := make(map[string]bool, len(heads))
	for _, id := range heads {
		headSet[id] = true
	}

	out := cmd.OutOrStdout()

	for _, c := range commits {
		marker := " "
		if headSet[c.ID] {
			marker = "*"
		}

		synced := "unsynced"
		if c.Synced {
			synced = "synced"
		}

		fmt.Fprintf(out, "%s %s  %-8s  %s  %s\n",
			marker, c.ID, synced, c.Key,
			time.Unix(0, c.CreatedAt).Format(time.RFC3339),
		)
	}

	return nil
}
