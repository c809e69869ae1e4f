package sync

import (
	"testing"
	"time"
)

func TestExponentialBackoffEscalatesAndCaps(t *testing.T) {
	b := NewExponentialBackoff(10*time.Millisecond, 40*time.Millisecond)

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond, // capped
	}

	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
}

func TestExponentialBackoffResetReturnsToFloor(t *testing.T) {
	b := NewExponentialBackoff(10*time.Millisecond, time.Second)

	b.Next()
	b.Next()
	b.Next()

	b.Reset()

	if got := b.Next(); got != 10*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want floor 10ms", got)
	}
}

func TestUploadStateIsIdle(t *testing.T) {
	idle := map[UploadState]bool{
		UploadStopped:               true,
		UploadSetup:                 false,
		UploadPending:               false,
		UploadWaitRemoteDownload:    false,
		UploadWaitTooManyLocalHeads: true, // resolves only via new commits
		UploadInProgress:            false,
		UploadTemporaryError:        false, // a retry is scheduled
		UploadPermanentError:        true,
		UploadIdle:                  true,
	}

	for state, want := range idle {
		if got := state.IsIdle(); got != want {
			t.Errorf("%s.IsIdle() = %v, want %v", state, got, want)
		}
	}
}

func TestDownloadStateIsIdle(t *testing.T) {
	idle := map[DownloadState]bool{
		DownloadStopped:        true,
		DownloadSetup:          false,
		DownloadInProgress:     false,
		DownloadTemporaryError: false,
		DownloadPermanentError: true,
		DownloadIdle:           true,
	}

	for state, want := range idle {
		if got := state.IsIdle(); got != want {
			t.Errorf("%s.IsIdle() = %v, want %v", state, got, want)
		}
	}
}
