package sync

import (
	"context"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tonimelisma/pagesync-go/internal/cloud"
	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// fakeStore implements CommitStore in memory with injectable failures.
type fakeStore struct {
	mu stdsync.Mutex

	unsynced []commitgraph.Commit
	heads    []string

	unsyncedErr error
	headsErr    error
	markErr     error
	tokenErr    error
	setTokenErr error

	token       string
	savedTokens []string

	markCalls   [][]string
	applied     [][]commitgraph.Commit
	addWatcher  int
	dropWatcher int
	watchers    []commitgraph.CommitWatcher
}

func (f *fakeStore) GetUnsyncedCommits(context.Context) ([]commitgraph.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unsyncedErr != nil {
		return nil, f.unsyncedErr
	}

	out := make([]commitgraph.Commit, len(f.unsynced))
	copy(out, f.unsynced)

	return out, nil
}

func (f *fakeStore) GetHeadCommitIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.headsErr != nil {
		return nil, f.headsErr
	}

	out := make([]string, len(f.heads))
	copy(out, f.heads)

	return out, nil
}

func (f *fakeStore) MarkSynced(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markErr != nil {
		return f.markErr
	}

	f.markCalls = append(f.markCalls, ids)

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var remaining []commitgraph.Commit

	for _, c := range f.unsynced {
		if !idSet[c.ID] {
			remaining = append(remaining, c)
		}
	}

	f.unsynced = remaining

	return nil
}

func (f *fakeStore) ApplyRemoteCommits(_ context.Context, commits []commitgraph.Commit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = append(f.applied, commits)

	return nil
}

func (f *fakeStore) GetSyncToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tokenErr != nil {
		return "", f.tokenErr
	}

	return f.token, nil
}

func (f *fakeStore) SetSyncToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setTokenErr != nil {
		return f.setTokenErr
	}

	f.token = token
	f.savedTokens = append(f.savedTokens, token)

	return nil
}

func (f *fakeStore) persistedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.savedTokens))
	copy(out, f.savedTokens)

	return out
}

func (f *fakeStore) AddCommitWatcher(w commitgraph.CommitWatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addWatcher++
	f.watchers = append(f.watchers, w)
}

func (f *fakeStore) RemoveCommitWatcher(commitgraph.CommitWatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dropWatcher++
}

// appendUnsynced adds a commit to the unsynced set, simulating a local
// mutation landing in the store.
func (f *fakeStore) appendUnsynced(c commitgraph.Commit) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsynced = append(f.unsynced, c)
}

func (f *fakeStore) setHeads(heads ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heads = heads
}

// fireWatchers delivers a commit notification the way the real store does.
func (f *fakeStore) fireWatchers(commits []commitgraph.Commit, source commitgraph.Source) {
	f.mu.Lock()
	watchers := make([]commitgraph.CommitWatcher, len(f.watchers))
	copy(watchers, f.watchers)
	f.mu.Unlock()

	for _, w := range watchers {
		w.OnNewCommits(commits, source)
	}
}

func (f *fakeStore) watcherCounts() (added, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.addWatcher, f.dropWatcher
}

// fakeSender implements BatchSender. Each call consumes the next error in
// errs (nil = success). gate, when non-nil, blocks each call until released
// so tests can hold an upload in flight.
type fakeSender struct {
	mu stdsync.Mutex

	errs    []error
	gate    chan struct{}
	batches [][]string

	attempts  int
	active    int
	maxActive int
}

func (f *fakeSender) UploadBatch(_ context.Context, env *cloud.BatchEnvelope) error {
	f.mu.Lock()
	f.attempts++
	f.active++

	if f.active > f.maxActive {
		f.maxActive = f.active
	}

	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}

	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.active--

	if err == nil {
		f.batches = append(f.batches, env.CommitIDs)
	}
	f.mu.Unlock()

	return err
}

func (f *fakeSender) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]string, len(f.batches))
	copy(out, f.batches)

	return out
}

func (f *fakeSender) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.attempts
}

func (f *fakeSender) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.maxActive
}

// fakeFetcher implements BatchFetcher.
type fakeFetcher struct {
	mu stdsync.Mutex

	pages []fetchPage
	seen  []string // tokens passed in
}

type fetchPage struct {
	envelopes []cloud.BatchEnvelope
	next      string
	err       error
}

func (f *fakeFetcher) FetchCommits(_ context.Context, since string) ([]cloud.BatchEnvelope, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen = append(f.seen, since)

	if len(f.pages) == 0 {
		return nil, since, nil
	}

	page := f.pages[0]
	f.pages = f.pages[1:]

	return page.envelopes, page.next, page.err
}

func (f *fakeFetcher) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.seen))
	copy(out, f.seen)

	return out
}

// fakeCodec implements BatchCodec without real crypto: Seal records the
// manifest and stashes the commits by reference in the envelope nonce slot
// index; Open replays them.
type fakeCodec struct {
	mu stdsync.Mutex

	sealErr error
	openErr error
	stash   map[string][]commitgraph.Commit
}

func (f *fakeCodec) Seal(commits []commitgraph.Commit) (*cloud.BatchEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sealErr != nil {
		return nil, f.sealErr
	}

	ids := make([]string, len(commits))
	for i, c := range commits {
		ids[i] = c.ID
	}

	return &cloud.BatchEnvelope{CommitIDs: ids}, nil
}

func (f *fakeCodec) Open(env *cloud.BatchEnvelope) ([]commitgraph.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}

	if f.stash != nil && len(env.CommitIDs) > 0 {
		if commits, ok := f.stash[env.CommitIDs[0]]; ok {
			return commits, nil
		}
	}

	commits := make([]commitgraph.Commit, len(env.CommitIDs))
	for i, id := range env.CommitIDs {
		commits[i] = commitgraph.Commit{ID: id}
	}

	return commits, nil
}

// fakeBackoff records Next/Reset calls and returns a fixed delay.
type fakeBackoff struct {
	mu stdsync.Mutex

	delay  time.Duration
	nexts  int
	resets int
}

func (f *fakeBackoff) Next() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nexts++

	return f.delay
}

func (f *fakeBackoff) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resets++
}

func (f *fakeBackoff) counts() (nexts, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.nexts, f.resets
}

// recordingDelegate captures every upload state notification and exposes
// the download-idle answer.
type recordingDelegate struct {
	mu stdsync.Mutex

	downloadIdle   bool
	idleAnswers    []bool // when non-empty, consumed per IsDownloadIdle call
	states         []UploadState
	downloadStates []DownloadState
	uploadIdle     bool

	stateCh chan UploadState
	downCh  chan DownloadState
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		downloadIdle: true,
		uploadIdle:   true,
		stateCh:      make(chan UploadState, 64),
		downCh:       make(chan DownloadState, 64),
	}
}

func (d *recordingDelegate) IsDownloadIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.idleAnswers) > 0 {
		answer := d.idleAnswers[0]
		d.idleAnswers = d.idleAnswers[1:]

		return answer
	}

	return d.downloadIdle
}

func (d *recordingDelegate) SetUploadState(s UploadState) {
	d.mu.Lock()
	d.states = append(d.states, s)
	d.mu.Unlock()

	d.stateCh <- s
}

func (d *recordingDelegate) IsUploadIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.uploadIdle
}

func (d *recordingDelegate) SetDownloadState(s DownloadState) {
	d.mu.Lock()
	d.downloadStates = append(d.downloadStates, s)
	d.mu.Unlock()

	d.downCh <- s
}

func (d *recordingDelegate) setDownloadIdle(idle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.downloadIdle = idle
}

func (d *recordingDelegate) setUploadIdle(idle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.uploadIdle = idle
}

func (d *recordingDelegate) recorded() []UploadState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]UploadState, len(d.states))
	copy(out, d.states)

	return out
}

// waitUploadState reads notifications until want arrives or the timeout
// expires.
func waitUploadState(t *testing.T, d *recordingDelegate, want UploadState) {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		select {
		case got := <-d.stateCh:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for upload state %s, saw %v", want, d.recorded())
		}
	}
}

// waitDownloadState reads notifications until want arrives or the timeout
// expires.
func waitDownloadState(t *testing.T, d *recordingDelegate, want DownloadState) {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		select {
		case got := <-d.downCh:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for download state %s", want)
		}
	}
}

// expectNoUploadState asserts that no notification arrives within the
// window. Used to prove terminal states stay terminal.
func expectNoUploadState(t *testing.T, d *recordingDelegate) {
	t.Helper()

	select {
	case got := <-d.stateCh:
		t.Fatalf("unexpected upload state notification: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

// assertNoConsecutiveDuplicates enforces the state de-duplication
// invariant over a recorded sequence.
func assertNoConsecutiveDuplicates(t *testing.T, states []UploadState) {
	t.Helper()

	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			t.Errorf("duplicate consecutive state notification %s at index %d (sequence %v)",
				states[i], i, states)
		}
	}
}

// uploadHarness wires an UploadStateMachine to fakes on a live dispatcher
// with a manual retry timer.
type uploadHarness struct {
	store    *fakeStore
	sender   *fakeSender
	codec    *fakeCodec
	delegate *recordingDelegate
	backoff  *fakeBackoff
	disp     *Dispatcher
	machine  *UploadStateMachine
	ctx      context.Context

	timerMu stdsync.Mutex
	delayed []func()
	delays  []time.Duration
}

func newUploadHarness(t *testing.T) *uploadHarness {
	t.Helper()

	h := &uploadHarness{
		store:    &fakeStore{heads: []string{"h1"}},
		sender:   &fakeSender{},
		codec:    &fakeCodec{},
		delegate: newRecordingDelegate(),
		backoff:  &fakeBackoff{delay: time.Millisecond},
		disp:     NewDispatcher(),
	}

	h.disp.timerFn = func(d time.Duration, fn func()) {
		h.timerMu.Lock()
		h.delays = append(h.delays, d)
		h.delayed = append(h.delayed, fn)
		h.timerMu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx

	go h.disp.Run(ctx)

	h.machine = NewUploadStateMachine(ctx, h.store, h.sender, h.codec,
		h.delegate, h.backoff, h.disp, testLogger(t))

	return h
}

// fireRetry posts the oldest captured delayed task onto the dispatcher.
func (h *uploadHarness) fireRetry(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for {
		h.timerMu.Lock()

		if len(h.delayed) > 0 {
			fn := h.delayed[0]
			h.delayed = h.delayed[1:]
			h.timerMu.Unlock()

			h.disp.Post(fn)

			return
		}

		h.timerMu.Unlock()

		if time.Now().After(deadline) {
			t.Fatal("no retry timer was scheduled")
		}

		time.Sleep(time.Millisecond)
	}
}

func (h *uploadHarness) pendingRetries() int {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()

	return len(h.delayed)
}
