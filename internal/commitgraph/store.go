package commitgraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	stdsync "sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// CommitWatcher receives notifications when new commits land in the store.
// Watchers are invoked after the insert transaction commits and must not
// block; the sync engine reposts the work onto its own dispatcher.
type CommitWatcher interface {
	OnNewCommits(commits []Commit, source Source)
}

// SQLiteStore persists the commit graph in an embedded SQLite database with
// WAL mode. It owns commit creation and garbage collection; the sync engine
// only reads heads and unsynced commits and subscribes to new arrivals.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	stmts commitStatements

	watcherMu stdsync.Mutex
	watchers  []CommitWatcher
}

type commitStatements struct {
	insert, insertParent, get, heads, unsynced, markSynced, exists, list, unsyncedCount *sql.Stmt
	getToken, setToken                                                                  *sql.Stmt
}

// NewStore opens (or creates) the commit graph database at dbPath, applies
// migrations, and prepares repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening commit graph database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer; a single pooled connection also keeps
	// ":memory:" databases from silently splitting per connection.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

const (
	sqlInsertCommit = `INSERT INTO commits
		(id, doc_key, payload, parents, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlInsertParent = `INSERT INTO commit_parents
		(commit_id, parent_id) VALUES (?, ?)`

	sqlGetCommit = `SELECT id, doc_key, payload, parents, created_at
		FROM commits WHERE id = ?`

	// A head is a commit no other commit names as a parent.
	sqlHeadCommitIDs = `SELECT id FROM commits
		WHERE id NOT IN (SELECT parent_id FROM commit_parents)
		ORDER BY rowid`

	sqlUnsyncedCommits = `SELECT id, doc_key, payload, parents, created_at
		FROM commits WHERE synced = 0 ORDER BY rowid`

	sqlMarkSynced = `UPDATE commits SET synced = 1 WHERE id = ?`

	sqlCommitExists = `SELECT 1 FROM commits WHERE id = ?`

	sqlListCommits = `SELECT id, doc_key, payload, parents, created_at, synced
		FROM commits ORDER BY rowid`

	sqlUnsyncedCount = `SELECT COUNT(*) FROM commits WHERE synced = 0`

	sqlGetSyncToken = `SELECT fetch_token FROM sync_state WHERE id = 1`

	sqlSetSyncToken = `UPDATE sync_state SET fetch_token = ? WHERE id = 1`
)

// prepareStatements prepares all repeated statements.
func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	prep := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&s.stmts.insert, sqlInsertCommit},
		{&s.stmts.insertParent, sqlInsertParent},
		{&s.stmts.get, sqlGetCommit},
		{&s.stmts.heads, sqlHeadCommitIDs},
		{&s.stmts.unsynced, sqlUnsyncedCommits},
		{&s.stmts.markSynced, sqlMarkSynced},
		{&s.stmts.exists, sqlCommitExists},
		{&s.stmts.list, sqlListCommits},
		{&s.stmts.unsyncedCount, sqlUnsyncedCount},
		{&s.stmts.getToken, sqlGetSyncToken},
		{&s.stmts.setToken, sqlSetSyncToken},
	}

	for _, p := range prep {
		stmt, err := s.db.PrepareContext(ctx, p.sql)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", p.sql, err)
		}

		*p.stmt = stmt
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing commit graph database: %w", err)
	}

	return nil
}

// AddCommitWatcher registers a watcher for new-commit notifications.
// Registering the same watcher twice is a no-op.
func (s *SQLiteStore) AddCommitWatcher(w CommitWatcher) {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()

	for _, existing := range s.watchers {
		if existing == w {
			return
		}
	}

	s.watchers = append(s.watchers, w)
}

// RemoveCommitWatcher unregisters a watcher. Unknown watchers are ignored.
func (s *SQLiteStore) RemoveCommitWatcher(w CommitWatcher) {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()

	for i, existing := range s.watchers {
		if existing == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

// notifyWatchers delivers a new-commit notification to all registered
// watchers. Called after the insert transaction has committed.
func (s *SQLiteStore) notifyWatchers(commits []Commit, source Source) {
	s.watcherMu.Lock()
	snapshot := make([]CommitWatcher, len(s.watchers))
	copy(snapshot, s.watchers)
	s.watcherMu.Unlock()

	for _, w := range snapshot {
		w.OnNewCommits(commits, source)
	}
}

// AddCommit persists a locally-created commit and notifies watchers with
// SourceLocal. Duplicate IDs are rejected; the commit graph is append-only.
func (s *SQLiteStore) AddCommit(ctx context.Context, c *Commit) error {
	if err := s.insertCommits(ctx, []Commit{*c}, false); err != nil {
		return err
	}

	s.notifyWatchers([]Commit{*c}, SourceLocal)

	return nil
}

// ApplyRemoteCommits persists commits received from the cloud. They are
// stored already-synced and watchers are notified with SourceRemote so the
// upload side knows not to re-upload them. Commits already present are
// skipped (download overlap is expected after reconnects).
func (s *SQLiteStore) ApplyRemoteCommits(ctx context.Context, commits []Commit) error {
	fresh := make([]Commit, 0, len(commits))

	for _, c := range commits {
		var one int

		err := s.stmts.exists.QueryRowContext(ctx, c.ID).Scan(&one)
		if err == nil {
			continue // already have it
		}

		if err != sql.ErrNoRows {
			return fmt.Errorf("checking commit %s: %w", c.ID, err)
		}

		fresh = append(fresh, c)
	}

	if len(fresh) == 0 {
		return nil
	}

	if err := s.insertCommits(ctx, fresh, true); err != nil {
		return err
	}

	s.notifyWatchers(fresh, SourceRemote)

	return nil
}

// insertCommits writes a batch of commits and their parent edges in one
// transaction.
func (s *SQLiteStore) insertCommits(ctx context.Context, commits []Commit, synced bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}

	for _, c := range commits {
		parentsJSON, err := json.Marshal(c.Parents)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshaling parents of %s: %w", c.ID, err)
		}

		syncedInt := 0
		if synced {
			syncedInt = 1
		}

		if _, err := tx.StmtContext(ctx, s.stmts.insert).
			ExecContext(ctx, c.ID, c.Key, c.Payload, string(parentsJSON), c.CreatedAt, syncedInt); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting commit %s: %w", c.ID, err)
		}

		for _, p := range c.Parents {
			if _, err := tx.StmtContext(ctx, s.stmts.insertParent).ExecContext(ctx, c.ID, p); err != nil {
				tx.Rollback()
				return fmt.Errorf("inserting parent edge %s -> %s: %w", c.ID, p, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}

	return nil
}

// GetHeadCommitIDs returns the IDs of commits with no local children.
// More than one ID means divergent unmerged history.
func (s *SQLiteStore) GetHeadCommitIDs(ctx context.Context) ([]string, error) {
	rows, err := s.stmts.heads.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying head commits: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning head commit id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating head commits: %w", err)
	}

	return ids, nil
}

// GetUnsyncedCommits returns all commits not yet acknowledged by the cloud,
// in insertion order (parents before children).
func (s *SQLiteStore) GetUnsyncedCommits(ctx context.Context) ([]Commit, error) {
	rows, err := s.stmts.unsynced.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying unsynced commits: %w", err)
	}
	defer rows.Close()

	return scanCommits(rows)
}

// MarkSynced flags the given commits as acknowledged by the cloud.
func (s *SQLiteStore) MarkSynced(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark-synced tx: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.StmtContext(ctx, s.stmts.markSynced).ExecContext(ctx, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("marking %s synced: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark-synced tx: %w", err)
	}

	return nil
}

// UnsyncedCount returns the number of commits not yet acknowledged by the
// cloud. Used by the status command.
func (s *SQLiteStore) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.stmts.unsyncedCount.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unsynced commits: %w", err)
	}

	return n, nil
}

// GetSyncToken returns the last acknowledged remote fetch position. Empty
// means no download pass has completed yet and the engine fetches from the
// beginning of the remote log.
func (s *SQLiteStore) GetSyncToken(ctx context.Context) (string, error) {
	var token string
	if err := s.stmts.getToken.QueryRowContext(ctx).Scan(&token); err != nil {
		return "", fmt.Errorf("reading sync token: %w", err)
	}

	return token, nil
}

// SetSyncToken records the remote fetch position acknowledged by a completed
// download pass, so the next run resumes instead of re-fetching the whole
// remote log.
func (s *SQLiteStore) SetSyncToken(ctx context.Context, token string) error {
	if _, err := s.stmts.setToken.ExecContext(ctx, token); err != nil {
		return fmt.Errorf("persisting sync token: %w", err)
	}

	return nil
}

// CommitInfo pairs a commit with its synced flag for display.
type CommitInfo struct {
	Commit
	Synced bool
}

// ListCommits returns every commit in insertion order with its synced flag.
// Used by the log command.
func (s *SQLiteStore) ListCommits(ctx context.Context) ([]CommitInfo, error) {
	rows, err := s.stmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	defer rows.Close()

	var infos []CommitInfo

	for rows.Next() {
		var (
			info        CommitInfo
			parentsJSON string
			syncedInt   int
		)

		if err := rows.Scan(&info.ID, &info.Key, &info.Payload, &parentsJSON, &info.CreatedAt, &syncedInt); err != nil {
			return nil, fmt.Errorf("scanning commit row: %w", err)
		}

		if err := json.Unmarshal([]byte(parentsJSON), &info.Parents); err != nil {
			return nil, fmt.Errorf("unmarshaling parents of %s: %w", info.ID, err)
		}

		info.Synced = syncedInt == 1
		infos = append(infos, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commits: %w", err)
	}

	return infos, nil
}

// scanCommits reads commit rows in (id, doc_key, payload, parents, created_at)
// column order.
func scanCommits(rows *sql.Rows) ([]Commit, error) {
	var commits []Commit

	for rows.Next() {
		var (
			c           Commit
			parentsJSON string
		)

		if err := rows.Scan(&c.ID, &c.Key, &c.Payload, &parentsJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning commit row: %w", err)
		}

		if err := json.Unmarshal([]byte(parentsJSON), &c.Parents); err != nil {
			return nil, fmt.Errorf("unmarshaling parents of %s: %w", c.ID, err)
		}

		commits = append(commits, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commit rows: %w", err)
	}

	return commits, nil
}
