package sync

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tonimelisma/pagesync-go/internal/cloud"
	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

// BatchUploader owns exactly one upload attempt for one frozen batch of
// commits. It invokes exactly one of its two continuations exactly once,
// on the dispatcher, after which it is inert and must be discarded by the
// caller. The failure continuation's argument reports whether the failure
// is temporary (retryable with backoff) or permanent.
type BatchUploader struct {
	ctx       context.Context
	commits   []commitgraph.Commit
	codec     BatchCodec
	sender    BatchSender
	store     CommitStore
	disp      *Dispatcher
	logger    *slog.Logger
	onSuccess func()
	onFailure func(temporary bool)

	started bool
}

// NewBatchUploader binds an uploader to a frozen commit batch. The batch
// is never mutated; on any outcome the caller takes a fresh snapshot for
// the next attempt.
func NewBatchUploader(
	ctx context.Context,
	commits []commitgraph.Commit,
	codec BatchCodec,
	sender BatchSender,
	store CommitStore,
	disp *Dispatcher,
	logger *slog.Logger,
	onSuccess func(),
	onFailure func(temporary bool),
) *BatchUploader {
	return &BatchUploader{
		ctx:       ctx,
		commits:   commits,
		codec:     codec,
		sender:    sender,
		store:     store,
		disp:      disp,
		logger:    logger.With(slog.String("attempt_id", uuid.New().String())),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}
}

// Start begins the attempt. It must be called at most once.
func (b *BatchUploader) Start() {
	if b.started {
		panic("sync: BatchUploader started twice")
	}

	b.started = true

	go b.run()
}

// run executes the attempt off the dispatcher and posts exactly one
// terminal continuation back onto it.
func (b *BatchUploader) run() {
	b.logger.Debug("uploading batch", slog.Int("commits", len(b.commits)))

	// Serialization or encryption failure repeats identically on every
	// attempt; it is structural.
	env, err := b.codec.Seal(b.commits)
	if err != nil {
		b.fail(err, false)
		return
	}

	if err := b.sender.UploadBatch(b.ctx, env); err != nil {
		b.fail(err, cloud.IsTemporary(err))
		return
	}

	// The cloud acknowledged the batch; record that before reporting
	// success. A failing local store is not a transient condition.
	if err := b.store.MarkSynced(b.ctx, env.CommitIDs); err != nil {
		b.fail(err, false)
		return
	}

	b.logger.Debug("batch upload succeeded", slog.Int("commits", len(b.commits)))
	b.disp.Post(b.onSuccess)
}

func (b *BatchUploader) fail(err error, temporary bool) {
	b.logger.Warn("batch upload failed",
		slog.Bool("temporary", temporary),
		slog.String("error", err.Error()),
	)

	b.disp.Post(func() { b.onFailure(temporary) })
}
