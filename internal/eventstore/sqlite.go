package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fwdslsh/dispatch/internal/errkind"
)

// SQLiteStore implements Store using an embedded SQLite database via
// modernc.org/sqlite (pure Go, no cgo). All writes serialize through a
// single open connection guarded by mu, which trivially satisfies
// SPEC_FULL.md §4.1's "serialized per runId" requirement — stronger than
// the minimum, and simpler than a per-runId lock table.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.Mutex
	closeCh chan struct{}
	once    sync.Once
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/dispatch.db
// and runs schema migration.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "dispatch.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, closeCh: make(chan struct{})}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	// Sessions whose adapters cannot be rehydrated across a restart are
	// marked stopped at startup, per §4.5's crash semantics.
	if err := s.markOrphansStopped(); err != nil {
		db.Close()
		return nil, fmt.Errorf("marking orphaned sessions stopped: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			runId TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			createdAt INTEGER NOT NULL,
			updatedAt INTEGER NOT NULL,
			meta TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			runId TEXT NOT NULL,
			seq INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			ts INTEGER NOT NULL,
			UNIQUE(runId, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_run_seq ON session_events(runId, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_run_ts ON session_events(runId, ts)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// markOrphansStopped runs once at startup: any session left in starting or
// running from a prior process cannot be rehydrated (PTYs and AI streams
// are not cold-resumable), so it is marked stopped. Its events remain
// queryable and replayable.
func (s *SQLiteStore) markOrphansStopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowMillis()
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updatedAt = ? WHERE status IN (?, ?)`,
		string(StatusStopped), now, string(StatusStarting), string(StatusRunning),
	)
	return err
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// CreateSession inserts a session row in StatusStarting.
func (s *SQLiteStore) CreateSession(runID, kind string, meta json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	now := nowMillis()
	_, err := s.db.Exec(
		`INSERT INTO sessions (runId, kind, status, createdAt, updatedAt, meta) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, kind, string(StatusStarting), now, now, string(meta),
	)
	if err != nil {
		if isUniqueConflict(err) {
			return errkind.Wrap(errkind.AlreadyExists, fmt.Sprintf("session %q already exists", runID), err)
		}
		return errkind.Wrap(errkind.Persistence, "inserting session", err)
	}
	return nil
}

// UpdateStatus is idempotent on the same status; fails with NotFound if
// the session does not exist.
func (s *SQLiteStore) UpdateStatus(runID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updatedAt = ? WHERE runId = ?`,
		string(status), nowMillis(), runID,
	)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, "updating session status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.Wrap(errkind.Persistence, "checking update result", err)
	}
	if n == 0 {
		return errkind.New(errkind.NotFound, fmt.Sprintf("session %q not found", runID))
	}
	return nil
}

// Close is a read-only-named variant of UpdateStatus(runID, StatusStopped).
func (s *SQLiteStore) Close(runID string) error {
	return s.UpdateStatus(runID, StatusStopped)
}

// GetSession returns nil, nil if runID is unknown.
func (s *SQLiteStore) GetSession(runID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	var metaStr, status string
	err := s.db.QueryRow(
		`SELECT runId, kind, status, createdAt, updatedAt, meta FROM sessions WHERE runId = ?`,
		runID,
	).Scan(&sess.RunID, &sess.Kind, &status, &sess.CreatedAt, &sess.UpdatedAt, &metaStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, "querying session", err)
	}
	sess.Status = Status(status)
	sess.Meta = json.RawMessage(metaStr)
	return &sess, nil
}

// ListSessions scans with optional status/kind filters.
func (s *SQLiteStore) ListSessions(filter Filter) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT runId, kind, status, createdAt, updatedAt, meta FROM sessions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY createdAt ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, "listing sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var metaStr, status string
		if err := rows.Scan(&sess.RunID, &sess.Kind, &status, &sess.CreatedAt, &sess.UpdatedAt, &metaStr); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, "scanning session row", err)
		}
		sess.Status = Status(status)
		sess.Meta = json.RawMessage(metaStr)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendEvent assigns the next seq for runID atomically with the insert
// and fails with SessionTerminated if the session is already stopped or
// errored. Callers (the RunSessionManager) must still serialize calls for
// the same runID themselves if multiple goroutines can emit concurrently;
// this store's single connection + mutex makes that serialization global
// rather than per-runId, which is a stricter, valid implementation of the
// "any strategy" clause in SPEC_FULL.md §4.1.
func (s *SQLiteStore) AppendEvent(runID, channel, typ string, payload []byte) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.db.QueryRow(`SELECT status FROM sessions WHERE runId = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, 0, errkind.New(errkind.NotFound, fmt.Sprintf("session %q not found", runID))
	}
	if err != nil {
		return 0, 0, errkind.Wrap(errkind.Persistence, "checking session status", err)
	}
	if Status(status).Terminal() {
		return 0, 0, errkind.New(errkind.SessionTerminated, fmt.Sprintf("session %q is %s", runID, status))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, errkind.Wrap(errkind.Persistence, "beginning transaction", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM session_events WHERE runId = ?`, runID).Scan(&maxSeq); err != nil {
		return 0, 0, errkind.Wrap(errkind.Persistence, "computing next seq", err)
	}
	seq := maxSeq.Int64 + 1
	ts := nowMillis()

	if _, err := tx.Exec(
		`INSERT INTO session_events (runId, seq, channel, type, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, channel, typ, payload, ts,
	); err != nil {
		if isUniqueConflict(err) {
			return 0, 0, errkind.Wrap(errkind.Persistence, "seq conflict, retry", err)
		}
		return 0, 0, errkind.Wrap(errkind.Persistence, "inserting event", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET updatedAt = ? WHERE runId = ?`, ts, runID); err != nil {
		return 0, 0, errkind.Wrap(errkind.Persistence, "touching session updatedAt", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, errkind.Wrap(errkind.Persistence, "committing event append", err)
	}
	return seq, ts, nil
}

// EventsSince returns events with seq > afterSeq, ascending, up to limit
// (0 means unlimited).
func (s *SQLiteStore) EventsSince(runID string, afterSeq int64, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT runId, seq, channel, type, payload, ts FROM session_events WHERE runId = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, "querying events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Channel, &e.Type, &e.Payload, &e.TS); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, "scanning event row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CloseStore closes the underlying database handle.
func (s *SQLiteStore) CloseStore() error {
	s.once.Do(func() { close(s.closeCh) })
	return s.db.Close()
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
