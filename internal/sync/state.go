package sync

// UploadState is the externally observable state of the upload machine.
// Transitions are reported to the Delegate only when the value actually
// changes.
type UploadState int

// Upload machine states. The machine is created STOPPED; PERMANENT_ERROR is
// terminal.
const (
	UploadStopped UploadState = iota
	UploadSetup
	UploadPending
	UploadWaitRemoteDownload
	UploadWaitTooManyLocalHeads
	UploadInProgress
	UploadTemporaryError
	UploadPermanentError
	UploadIdle
)

func (s UploadState) String() string {
	switch s {
	case UploadStopped:
		return "stopped"
	case UploadSetup:
		return "setup"
	case UploadPending:
		return "pending"
	case UploadWaitRemoteDownload:
		return "wait_remote_download"
	case UploadWaitTooManyLocalHeads:
		return "wait_too_many_local_heads"
	case UploadInProgress:
		return "in_progress"
	case UploadTemporaryError:
		return "temporary_error"
	case UploadPermanentError:
		return "permanent_error"
	case UploadIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// IsIdle reports whether the upload machine is safe to run a download
// against. WAIT_TOO_MANY_LOCAL_HEADS counts as idle: it never resolves via
// backoff, only via new local commits, so the machine is stuck-idle rather
// than busy. TEMPORARY_ERROR counts as busy because a retry is scheduled.
func (s UploadState) IsIdle() bool {
	switch s {
	case UploadStopped, UploadIdle, UploadWaitTooManyLocalHeads, UploadPermanentError:
		return true
	default:
		return false
	}
}

// DownloadState is the externally observable state of the download machine,
// the symmetric counterpart of UploadState.
type DownloadState int

// Download machine states.
const (
	DownloadStopped DownloadState = iota
	DownloadSetup
	DownloadInProgress
	DownloadTemporaryError
	DownloadPermanentError
	DownloadIdle
)

func (s DownloadState) String() string {
	switch s {
	case DownloadStopped:
		return "stopped"
	case DownloadSetup:
		return "setup"
	case DownloadInProgress:
		return "in_progress"
	case DownloadTemporaryError:
		return "temporary_error"
	case DownloadPermanentError:
		return "permanent_error"
	case DownloadIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// IsIdle reports whether the download machine is safe to run an upload
// against.
func (s DownloadState) IsIdle() bool {
	switch s {
	case DownloadStopped, DownloadIdle, DownloadPermanentError:
		return true
	default:
		return false
	}
}

// progress is the upload machine's private sub-phase. It tracks whether a
// new local commit arrived while an attempt was already underway, so the
// burst is folded into the next attempt instead of spawning a concurrent
// one.
type progress int

const (
	noCommit progress = iota
	processing
	processingNewCommit
)
