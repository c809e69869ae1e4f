package sync

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

// UploadStateMachine is the single point of decision for whether the local
// commit graph should be uploading right now. It enforces at most one
// upload attempt in flight, converts store and delegate signals into a
// bounded external UploadState, and retries temporary failures with
// backoff.
//
// All fields below the dependency block are dispatcher-confined: they are
// only read or written from dispatcher tasks.
type UploadStateMachine struct {
	ctx      context.Context
	store    CommitStore
	sender   BatchSender
	codec    BatchCodec
	delegate UploadDelegate
	backoff  Backoff
	disp     *Dispatcher
	logger   *slog.Logger

	state      UploadState
	progress   progress
	uploader   *BatchUploader // at most one alive at a time
	subscribed bool
}

// NewUploadStateMachine creates a machine in the STOPPED state. ctx bounds
// the lifetime of all asynchronous work the machine spawns.
func NewUploadStateMachine(
	ctx context.Context,
	store CommitStore,
	sender BatchSender,
	codec BatchCodec,
	delegate UploadDelegate,
	backoff Backoff,
	disp *Dispatcher,
	logger *slog.Logger,
) *UploadStateMachine {
	return &UploadStateMachine{
		ctx:      ctx,
		store:    store,
		sender:   sender,
		codec:    codec,
		delegate: delegate,
		backoff:  backoff,
		disp:     disp,
		logger:   logger.With(slog.String("component", "upload")),

		state:    UploadStopped,
		progress: noCommit,
	}
}

// StartUpload is the idempotent entry point. On first call it subscribes
// to commit-watch notifications and begins an upload pass; repeated calls
// before any commit activity fold into the in-flight pass.
func (u *UploadStateMachine) StartUpload() {
	u.disp.Post(func() {
		if u.state == UploadStopped {
			u.setState(UploadSetup)
			u.store.AddCommitWatcher(u)
			u.subscribed = true
		}

		u.nextState()
	})
}

// OnNewCommits implements commitgraph.CommitWatcher. Remote-sourced commits
// are already synced and never trigger a re-upload. During TEMPORARY_ERROR
// the scheduled retry will pick the new commits up; after PERMANENT_ERROR
// the machine is halted for good.
func (u *UploadStateMachine) OnNewCommits(commits []commitgraph.Commit, source commitgraph.Source) {
	u.disp.Post(func() {
		if source != commitgraph.SourceLocal {
			return
		}

		if u.state == UploadTemporaryError || u.state == UploadPermanentError {
			return
		}

		u.logger.Debug("new local commits", slog.Int("count", len(commits)))
		u.nextState()
	})
}

// IsIdle reports whether the download machine may safely proceed without
// racing upload for head ownership. Dispatcher-confined.
func (u *UploadStateMachine) IsIdle() bool {
	return u.state.IsIdle()
}

// State returns the current external state. Dispatcher-confined.
func (u *UploadStateMachine) State() UploadState {
	return u.state
}

// setState records a new external state and posts the delegate
// notification as a separate task. Back-to-back duplicates are suppressed.
func (u *UploadStateMachine) setState(s UploadState) {
	if s == u.state {
		return
	}

	u.logger.Debug("upload state change",
		slog.String("from", u.state.String()),
		slog.String("to", s.String()),
	)

	u.state = s

	// Deferred so the delegate may tear the machine down from inside the
	// notification without re-entering a running task.
	u.disp.Post(func() {
		u.delegate.SetUploadState(s)
	})
}

// nextState advances the internal progress machine. From noCommit it
// begins an upload pass; while a pass is underway, further signals merge
// into a single follow-up pass instead of queueing.
func (u *UploadStateMachine) nextState() {
	switch u.progress {
	case noCommit:
		u.progress = processing
		u.uploadUnsyncedCommits()
	case processing, processingNewCommit:
		u.progress = processingNewCommit
	}
}

// previousState retreats the progress machine when an attempt finishes or
// is deferred. If commits arrived mid-attempt another pass is required.
func (u *UploadStateMachine) previousState() {
	switch u.progress {
	case processing:
		u.progress = noCommit

		if u.state == UploadPending || u.state == UploadInProgress {
			u.setState(UploadIdle)
		}
	case processingNewCommit:
		u.progress = processing
		u.uploadUnsyncedCommits()
	case noCommit:
		panic("sync: previousState called with no upload in progress")
	}
}

// uploadUnsyncedCommits starts one upload pass: check the download guard,
// then fetch the unsynced snapshot asynchronously.
func (u *UploadStateMachine) uploadUnsyncedCommits() {
	if !u.delegate.IsDownloadIdle() {
		// Racing the downloader for head-commit ownership is never safe;
		// wait and retreat.
		u.setState(UploadWaitRemoteDownload)
		u.previousState()

		return
	}

	u.setState(UploadPending)

	go func() {
		commits, err := u.store.GetUnsyncedCommits(u.ctx)

		u.disp.Post(func() {
			if err != nil {
				u.HandleError("fetching unsynced commits: " + err.Error())
				return
			}

			u.verifyUnsyncedCommits(commits)
		})
	}()
}

// verifyUnsyncedCommits checks the single-head invariant against a fresh
// snapshot before handing the batch to an uploader. The download guard is
// re-checked because the state may have changed while the unsynced fetch
// was in flight; staleness only ever downgrades to wait-and-retreat, which
// is always safe.
func (u *UploadStateMachine) verifyUnsyncedCommits(commits []commitgraph.Commit) {
	if len(commits) == 0 {
		u.setState(UploadIdle)
		u.previousState()

		return
	}

	go func() {
		heads, err := u.store.GetHeadCommitIDs(u.ctx)

		u.disp.Post(func() {
			if err != nil {
				u.HandleError("fetching head commits: " + err.Error())
				return
			}

			if !u.delegate.IsDownloadIdle() {
				u.setState(UploadWaitRemoteDownload)
				u.previousState()

				return
			}

			if len(heads) > 1 {
				// An unresolved merge must complete before upload; the
				// cloud protocol assumes one head per device lineage.
				u.logger.Debug("upload blocked on local merge", slog.Int("heads", len(heads)))
				u.setState(UploadWaitTooManyLocalHeads)
				u.previousState()

				return
			}

			u.handleUnsyncedCommits(commits)
		})
	}()
}

// handleUnsyncedCommits constructs exactly one BatchUploader bound to this
// frozen commit set and starts it.
func (u *UploadStateMachine) handleUnsyncedCommits(commits []commitgraph.Commit) {
	u.setState(UploadInProgress)

	u.uploader = NewBatchUploader(u.ctx, commits, u.codec, u.sender, u.store, u.disp, u.logger,
		func() {
			u.backoff.Reset()
			u.uploader = nil
			u.previousState()
		},
		func(temporary bool) {
			u.uploader = nil

			if !temporary {
				u.setState(UploadPermanentError)
				return
			}

			u.setState(UploadTemporaryError)
			u.previousState()

			delay := u.backoff.Next()
			u.logger.Debug("scheduling upload retry", slog.Duration("delay", delay))

			u.disp.PostDelayed(delay, func() {
				// A stale timer firing after a fatal error is a no-op.
				if u.state == UploadPermanentError {
					return
				}

				u.nextState()
			})
		},
	)

	u.uploader.Start()
}

// HandleError halts the machine permanently: the commit watcher is removed
// (if ever registered) and no further uploads are attempted for the
// lifetime of this instance.
func (u *UploadStateMachine) HandleError(description string) {
	u.logger.Error("fatal upload error", slog.String("error", description))

	if u.subscribed {
		u.store.RemoveCommitWatcher(u)
		u.subscribed = false
	}

	u.setState(UploadPermanentError)
}

// OnDownloadIdle nudges the machine when the download side reaches an idle
// state. Only a machine parked in WAIT_REMOTE_DOWNLOAD reacts; everything
// else re-evaluates through its own signals.
func (u *UploadStateMachine) OnDownloadIdle() {
	u.disp.Post(func() {
		if u.state != UploadWaitRemoteDownload {
			return
		}

		u.nextState()
	})
}
