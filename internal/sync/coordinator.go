package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// NotificationSource opens the cloud change stream. Implemented by a thin
// closure over *cloud.Client; tests inject fakes.
type NotificationSource func(ctx context.Context) (<-chan struct{}, error)

// CoordinatorConfig holds the inputs for creating a Coordinator.
type CoordinatorConfig struct {
	Store         CommitStore
	Sender        BatchSender
	Fetcher       BatchFetcher
	Codec         BatchCodec
	Notifications NotificationSource // nil disables the change stream (upload-only)
	BackoffFloor  time.Duration
	BackoffCap    time.Duration
	Logger        *slog.Logger
}

// Coordinator owns the dispatcher and both state machines. It is the
// Delegate for each side: the sole arbiter of "is the other half busy",
// queried live, never cached, in lieu of a lock.
type Coordinator struct {
	disp       *Dispatcher
	uploader   *UploadStateMachine
	downloader *DownloadStateMachine
	notify     NotificationSource
	logger     *slog.Logger

	// reconnectBackoff paces notification stream reconnects. Only touched
	// by the pump goroutine.
	reconnectBackoff Backoff

	// Snapshot of the last observed states for cross-goroutine readers
	// (status command, tests). The machines themselves never read these.
	mu            stdsync.Mutex
	uploadState   UploadState
	downloadState DownloadState
}

// NewCoordinator wires both machines to a fresh dispatcher. ctx bounds all
// asynchronous work; it should be the same ctx later passed to Run.
func NewCoordinator(ctx context.Context, cfg *CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		disp:             NewDispatcher(),
		notify:           cfg.Notifications,
		logger:           cfg.Logger,
		reconnectBackoff: NewExponentialBackoff(cfg.BackoffFloor, cfg.BackoffCap),
	}

	c.uploader = NewUploadStateMachine(ctx, cfg.Store, cfg.Sender, cfg.Codec, c,
		NewExponentialBackoff(cfg.BackoffFloor, cfg.BackoffCap), c.disp, cfg.Logger)

	c.downloader = NewDownloadStateMachine(ctx, cfg.Store, cfg.Fetcher, cfg.Codec, c,
		NewExponentialBackoff(cfg.BackoffFloor, cfg.BackoffCap), c.disp, cfg.Logger)

	return c
}

// IsDownloadIdle implements UploadDelegate. Dispatcher-confined.
func (c *Coordinator) IsDownloadIdle() bool {
	return c.downloader.IsIdle()
}

// IsUploadIdle implements DownloadDelegate. Dispatcher-confined.
func (c *Coordinator) IsUploadIdle() bool {
	return c.uploader.IsIdle()
}

// SetUploadState implements UploadDelegate. Runs as its own dispatcher
// task. An upload side going idle revives a download pass that was parked
// behind it.
func (c *Coordinator) SetUploadState(state UploadState) {
	c.mu.Lock()
	c.uploadState = state
	c.mu.Unlock()

	c.logger.Info("upload state", slog.String("state", state.String()))

	if state.IsIdle() {
		c.downloader.OnUploadIdle()
	}
}

// SetDownloadState implements DownloadDelegate. A download side going idle
// revives an upload parked in WAIT_REMOTE_DOWNLOAD.
func (c *Coordinator) SetDownloadState(state DownloadState) {
	c.mu.Lock()
	c.downloadState = state
	c.mu.Unlock()

	c.logger.Info("download state", slog.String("state", state.String()))

	if state.IsIdle() {
		c.uploader.OnDownloadIdle()
	}
}

// States returns the last observed state of each machine. Safe from any
// goroutine.
func (c *Coordinator) States() (UploadState, DownloadState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.uploadState, c.downloadState
}

// Run starts both machines and blocks until ctx is canceled. The
// dispatcher loop and the notification stream pump run under one errgroup.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.disp.Run(gctx)
	})

	if c.notify != nil {
		g.Go(func() error {
			return c.pumpNotifications(gctx)
		})
	}

	c.uploader.StartUpload()
	c.downloader.StartDownload()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// pumpNotifications keeps the cloud change stream connected, forwarding
// every ping to the download machine. Stream breaks are temporary by
// definition; reconnect with backoff, reset on a healthy connection.
func (c *Coordinator) pumpNotifications(ctx context.Context) error {
	for {
		ch, err := c.notify(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			delay := c.reconnectBackoff.Next()
			c.logger.Warn("notification stream connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			continue
		}

		c.reconnectBackoff.Reset()

		for range ch {
			c.downloader.OnRemoteChange()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Info("notification stream dropped, reconnecting")
	}
}

// Quiesced reports whether both machines are currently in an
// idle-classified state. Used by one-shot sync to decide when to stop.
func (c *Coordinator) Quiesced() bool {
	up, down := c.States()
	return up.IsIdle() && down.IsIdle()
}
