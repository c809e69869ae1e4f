package sync

import (
	"context"

	"github.com/tonimelisma/pagesync-go/internal/cloud"
	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

// CommitStore is the capability the sync engine needs from the commit
// graph store. Implemented by *commitgraph.SQLiteStore; tests use fakes.
// All query methods return classified errors; a failing local store is
// treated as permanent by the machines.
type CommitStore interface {
	GetHeadCommitIDs(ctx context.Context) ([]string, error)
	GetUnsyncedCommits(ctx context.Context) ([]commitgraph.Commit, error)
	MarkSynced(ctx context.Context, ids []string) error
	ApplyRemoteCommits(ctx context.Context, commits []commitgraph.Commit) error
	GetSyncToken(ctx context.Context) (string, error)
	SetSyncToken(ctx context.Context, token string) error
	AddCommitWatcher(w commitgraph.CommitWatcher)
	RemoveCommitWatcher(w commitgraph.CommitWatcher)
}

// BatchSender uploads one sealed batch envelope. Implemented by
// *cloud.Client.
type BatchSender interface {
	UploadBatch(ctx context.Context, env *cloud.BatchEnvelope) error
}

// BatchFetcher retrieves batch envelopes added to the cloud store after a
// token. Implemented by *cloud.Client.
type BatchFetcher interface {
	FetchCommits(ctx context.Context, sinceToken string) ([]cloud.BatchEnvelope, string, error)
}

// BatchCodec seals outgoing batches and opens downloaded ones. Implemented
// by *cloud.Codec.
type BatchCodec interface {
	Seal(commits []commitgraph.Commit) (*cloud.BatchEnvelope, error)
	Open(env *cloud.BatchEnvelope) ([]commitgraph.Commit, error)
}

// UploadDelegate arbitrates between upload and download and receives upload
// state notifications. SetUploadState is always invoked as its own
// dispatcher task, never inline, so a delegate may tear down the machine
// from inside the notification.
type UploadDelegate interface {
	// IsDownloadIdle is queried, never cached, immediately before each
	// upload attempt. It is the mutual-exclusion mechanism protecting the
	// single-head invariant.
	IsDownloadIdle() bool
	SetUploadState(state UploadState)
}

// DownloadDelegate is the download-side mirror of UploadDelegate.
type DownloadDelegate interface {
	IsUploadIdle() bool
	SetDownloadState(state DownloadState)
}
