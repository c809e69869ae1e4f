package sync

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/pagesync-go/internal/cloud"
)

// DownloadStateMachine is the download-side mirror of UploadStateMachine:
// it decides when to pull remote batches, applies them to the store, and
// retries temporary failures with backoff. It defers to the upload machine
// (through its delegate) before touching the head, exactly as the upload
// machine defers to it.
//
// All fields below the dependency block are dispatcher-confined.
type DownloadStateMachine struct {
	ctx      context.Context
	store    CommitStore
	fetcher  BatchFetcher
	codec    BatchCodec
	delegate DownloadDelegate
	backoff  Backoff
	disp     *Dispatcher
	logger   *slog.Logger

	state DownloadState

	// token is the position in the remote batch log acknowledged so far.
	// Loaded from the store on StartDownload and persisted by each
	// completed pass, so one-shot runs resume instead of re-fetching the
	// whole remote log.
	token string

	// pendingChange remembers a remote-change signal that arrived while a
	// fetch was in flight or the upload side was busy, so it is folded
	// into the next pass instead of spawning a concurrent one.
	pendingChange bool

	downloader *BatchDownloader // at most one alive at a time
}

// NewDownloadStateMachine creates a machine in the STOPPED state.
func NewDownloadStateMachine(
	ctx context.Context,
	store CommitStore,
	fetcher BatchFetcher,
	codec BatchCodec,
	delegate DownloadDelegate,
	backoff Backoff,
	disp *Dispatcher,
	logger *slog.Logger,
) *DownloadStateMachine {
	return &DownloadStateMachine{
		ctx:      ctx,
		store:    store,
		fetcher:  fetcher,
		codec:    codec,
		delegate: delegate,
		backoff:  backoff,
		disp:     disp,
		logger:   logger.With(slog.String("component", "download")),

		state: DownloadStopped,
	}
}

// StartDownload is the idempotent entry point. The first call loads the
// persisted fetch position and runs a catch-up fetch from it.
func (d *DownloadStateMachine) StartDownload() {
	d.disp.Post(func() {
		if d.state != DownloadStopped {
			return
		}

		d.setState(DownloadSetup)

		go func() {
			token, err := d.store.GetSyncToken(d.ctx)

			d.disp.Post(func() {
				if err != nil {
					// A failing local store is not a transient condition.
					d.logger.Error("fatal download error",
						slog.String("error", "loading fetch position: "+err.Error()))
					d.setState(DownloadPermanentError)

					return
				}

				d.token = token
				d.maybeFetch()
			})
		}()
	})
}

// OnRemoteChange signals that remote commits are available. Called by the
// coordinator for every cloud notification.
func (d *DownloadStateMachine) OnRemoteChange() {
	d.disp.Post(func() {
		switch d.state {
		case DownloadInProgress:
			d.pendingChange = true
		case DownloadTemporaryError, DownloadPermanentError, DownloadStopped:
			// Retry timer, terminal halt, or not started: nothing to do.
		default:
			d.maybeFetch()
		}
	})
}

// OnUploadIdle nudges the machine when the upload side reaches an idle
// state; a change deferred behind a busy uploader gets its pass now.
func (d *DownloadStateMachine) OnUploadIdle() {
	d.disp.Post(func() {
		if !d.pendingChange {
			return
		}

		if d.state == DownloadInProgress || d.state == DownloadTemporaryError ||
			d.state == DownloadPermanentError {
			return
		}

		d.maybeFetch()
	})
}

// IsIdle reports whether the upload machine may safely proceed without
// racing download for head ownership. Dispatcher-confined.
func (d *DownloadStateMachine) IsIdle() bool {
	return d.state.IsIdle()
}

// State returns the current external state. Dispatcher-confined.
func (d *DownloadStateMachine) State() DownloadState {
	return d.state
}

func (d *DownloadStateMachine) setState(s DownloadState) {
	if s == d.state {
		return
	}

	d.logger.Debug("download state change",
		slog.String("from", d.state.String()),
		slog.String("to", s.String()),
	)

	d.state = s

	d.disp.Post(func() {
		d.delegate.SetDownloadState(s)
	})
}

// maybeFetch starts one download pass if the upload side is not mid-attempt.
// When the uploader is busy the change is parked; OnUploadIdle revives it.
func (d *DownloadStateMachine) maybeFetch() {
	if !d.delegate.IsUploadIdle() {
		d.pendingChange = true
		d.setState(DownloadIdle)

		return
	}

	d.pendingChange = false
	d.setState(DownloadInProgress)

	d.downloader = NewBatchDownloader(d.ctx, d.token, d.fetcher, d.codec, d.store, d.disp, d.logger,
		func(nextToken string) {
			d.token = nextToken
			d.backoff.Reset()
			d.downloader = nil

			if d.pendingChange {
				d.maybeFetch()
				return
			}

			d.setState(DownloadIdle)
		},
		func(temporary bool) {
			d.downloader = nil

			if !temporary {
				d.setState(DownloadPermanentError)
				return
			}

			d.setState(DownloadTemporaryError)

			delay := d.backoff.Next()
			d.logger.Debug("scheduling download retry", slog.Duration("delay", delay))

			d.disp.PostDelayed(delay, func() {
				if d.state == DownloadPermanentError {
					return
				}

				d.setState(DownloadIdle)
				d.maybeFetch()
			})
		},
	)

	d.downloader.Start()
}

// BatchDownloader owns exactly one download pass: fetch envelopes past the
// given token, decrypt, verify, and apply them to the store. Like
// BatchUploader it invokes exactly one of its continuations exactly once,
// on the dispatcher, and is inert afterwards.
type BatchDownloader struct {
	ctx       context.Context
	token     string
	fetcher   BatchFetcher
	codec     BatchCodec
	store     CommitStore
	disp      *Dispatcher
	logger    *slog.Logger
	onSuccess func(nextToken string)
	onFailure func(temporary bool)

	started bool
}

// NewBatchDownloader binds a downloader to one fetch position.
func NewBatchDownloader(
	ctx context.Context,
	token string,
	fetcher BatchFetcher,
	codec BatchCodec,
	store CommitStore,
	disp *Dispatcher,
	logger *slog.Logger,
	onSuccess func(nextToken string),
	onFailure func(temporary bool),
) *BatchDownloader {
	return &BatchDownloader{
		ctx:       ctx,
		token:     token,
		fetcher:   fetcher,
		codec:     codec,
		store:     store,
		disp:      disp,
		logger:    logger,
		onSuccess: onSuccess,
		onFailure: onFailure,
	}
}

// Start begins the pass. It must be called at most once.
func (b *BatchDownloader) Start() {
	if b.started {
		panic("sync: BatchDownloader started twice")
	}

	b.started = true

	go b.run()
}

func (b *BatchDownloader) run() {
	envelopes, nextToken, err := b.fetcher.FetchCommits(b.ctx, b.token)
	if err != nil {
		b.fail(err, cloud.IsTemporary(err))
		return
	}

	applied := 0

	for i := range envelopes {
		commits, err := b.codec.Open(&envelopes[i])
		if err != nil {
			// Undecryptable ciphertext stays undecryptable; structural.
			b.fail(err, false)
			return
		}

		if err := b.store.ApplyRemoteCommits(b.ctx, commits); err != nil {
			b.fail(err, false)
			return
		}

		applied += len(commits)
	}

	// Persist the acknowledged position before reporting success; the
	// next run must not re-fetch what this pass already applied.
	if err := b.store.SetSyncToken(b.ctx, nextToken); err != nil {
		b.fail(err, false)
		return
	}

	b.logger.Debug("download pass complete",
		slog.Int("envelopes", len(envelopes)),
		slog.Int("commits", applied),
	)

	b.disp.Post(func() { b.onSuccess(nextToken) })
}

func (b *BatchDownloader) fail(err error, temporary bool) {
	b.logger.Warn("download pass failed",
		slog.Bool("temporary", temporary),
		slog.String("error", err.Error()),
	)

	b.disp.Post(func() { b.onFailure(temporary) })
}
