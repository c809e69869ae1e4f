package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pagesync-go/internal/cloud"
	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
	syncengine "github.com/tonimelisma/pagesync-go/internal/sync"
)

// quiescePollInterval is how often one-shot mode checks whether both
// machines have settled.
const quiescePollInterval = 50 * time.Millisecond

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local commit graph with the cloud store",
		Long: "Runs the sync engine: uploads unsynced local commits and applies remote " +
			"ones. By default it stops once both directions are idle; --watch keeps it " +
			"running until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")

	return cmd
}

func runSync(parent context.Context, watch bool) error {
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

	if resolvedCfg.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url is not configured")
	}

	key, err := resolvedCfg.EncryptionKeyBytes()
	if err != nil {
		return err
	}

	codec, err := cloud.NewCodec(key)
	if err != nil {
		return err
	}

	client := cloud.NewClient(
		resolvedCfg.Cloud.BaseURL,
		&http.Client{Timeout: 30 * time.Second},
		cloud.StaticTokenSource(resolvedCfg.Cloud.Token),
		logger,
	)

	floor, err := resolvedCfg.BackoffFloor()
	if err != nil {
		return err
	}

	cap, err := resolvedCfg.BackoffCap()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(shutdownContext(parent, logger))
	defer cancel()

	ccfg := &syncengine.CoordinatorConfig{
		Store:        store,
		Sender:       client,
		Fetcher:      client,
		Codec:        codec,
		BackoffFloor: floor,
		BackoffCap:   cap,
		Logger:       logger,
	}

	// The change stream only matters in watch mode; one-shot does a
	// catch-up fetch on startup regardless.
	if watch && resolvedCfg.Cloud.NotifyURL != "" {
		notifyURL := resolvedCfg.Cloud.NotifyURL
		ccfg.Notifications = func(ctx context.Context) (<-chan struct{}, error) {
			ch, err := client.Notifications(ctx, notifyURL)
			if err != nil {
				return nil, err
			}

			out := make(chan struct{})

			go func() {
				defer close(out)

				for range ch {
					out <- struct{}{}
				}
			}()

			return out, nil
		}
	}

	coord := syncengine.NewCoordinator(ctx, ccfg)

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(ctx) }()

	if !watch {
		waitForQuiesce(ctx, coord, logger)
		cancel()
	}

	if err := <-errCh; err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}

	up, down := coord.States()
	if up == syncengine.UploadPermanentError || down == syncengine.DownloadPermanentError {
		return fmt.Errorf("sync halted with a permanent error (upload=%s, download=%s)", up, down)
	}

	if up == syncengine.UploadWaitTooManyLocalHeads {
		logger.Warn("upload blocked: local history has diverged; resolve the merge and sync again")
	}

	return nil
}

// waitForQuiesce blocks until both machines have moved past startup and
// settled into idle-classified states, or the context is canceled.
func waitForQuiesce(ctx context.Context, coord *syncengine.Coordinator, logger *slog.Logger) {
	ticker := time.NewTicker(quiescePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up, down := coord.States()

			// STOPPED and SETUP classify as idle but mean the engine has
			// not finished its first pass yet.
			if up == syncengine.UploadStopped || up == syncengine.UploadSetup {
				continue
			}

			if down == syncengine.DownloadStopped || down == syncengine.DownloadSetup {
				continue
			}

			if up.IsIdle() && down.IsIdle() {
				logger.Debug("engine quiesced",
					slog.String("upload", up.String()),
					slog.String("download", down.String()),
				)

				return
			}
		}
	}
}
