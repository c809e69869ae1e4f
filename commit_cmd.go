package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

func newCommitCmd() *cobra.Command {
	var (
		key  string
		file string
	)

	cmd := &cobra.Command{
		Use:   "commit [data]",
		Short: "Record a local mutation as a new commit",
		Long: "Creates a commit on top of the current head(s) with the given payload. " +
			"The payload comes from the argument, --file, or stdin. The commit is " +
			"picked up by the next sync run.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args, file)
			if err != nil {
				return err
			}

			return runCommit(cmd, key, payload)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "document key the commit mutates (required)")
	cmd.Flags().StringVar(&file, "file", "", "read the payload from a file instead of the argument")
	cmd.MarkFlagRequired("key")

	return cmd
}

// readPayload resolves the commit payload from argument, file, or stdin.
func readPayload(args []string, file string) ([]byte, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}

		return data, nil
	}

	if len(args) == 1 {
		return []byte(args[0]), nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading payload from stdin: %w", err)
	}

	return data, nil
}

func runCommit(cmd *cobra.Command, key string, payload []byte) error {
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

	// A commit on top of all current heads also closes out any divergence.
	parents, err := store.GetHeadCommitIDs(ctx)
	if err != nil {
		return fmt.Errorf("reading head commits: %w", err)
	}

	commit, err := commitgraph.NewCommit(key, payload, parents)
	if err != nil {
		return err
	}

	if err := store.AddCommit(ctx, commit); err != nil {
		return fmt.Errorf("adding commit: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), commit.ID)

	return nil
}
