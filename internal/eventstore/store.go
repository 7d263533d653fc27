package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	_ "modernc.org/sqlite"
)

// Session is one dictation session row.
type Session struct {
	ID         string
	Mode       string
	Status     string
	Reason     string
	Duration   time.Duration
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Event is one diagnostics timeline entry. Detail holds codes and counts
// only, never transcript or signal text.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Code      string
	Provider  string
	Duration  time.Duration
	Detail    string
	CreatedAt time.Time
}

// Store wraps the SQLite timeline and vocabulary tables. In ephemeral mode
// nothing is written to disk and the vocabulary lives in memory.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu    sync.Mutex
	terms map[string]string
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, terms: make(map[string]string)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    mode TEXT,
    status TEXT,
    reason TEXT,
    duration_ms INTEGER,
    created_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    code TEXT,
    provider TEXT,
    duration_ms INTEGER,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS vocabulary (
    term TEXT PRIMARY KEY COLLATE NOCASE,
    created_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) persistent() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// BeginSession records that a session started.
func (s *Store) BeginSession(ctx context.Context, sessionID, mode string) error {
	if !s.persistent() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, mode, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET mode=excluded.mode`,
		sessionID, mode, s.clock().UTC().UnixNano())
	return err
}

// FinishSession stores the terminal outcome of a session.
func (s *Store) FinishSession(ctx context.Context, sessionID, status, reason string, duration time.Duration) error {
	if !s.persistent() {
		return nil
	}
	now := s.clock().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, status, reason, duration_ms, created_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET status=excluded.status, reason=excluded.reason,
		   duration_ms=excluded.duration_ms, finished_at=excluded.finished_at`,
		sessionID, status, reason, duration.Milliseconds(), now, now)
	return err
}

// GetSession returns the stored session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if !s.persistent() {
		return Session{}, sql.ErrNoRows
	}
	var (
		out                  Session
		mode, status, reason sql.NullString
		durationMS, finished sql.NullInt64
		created              int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, mode, status, reason, duration_ms, created_at, finished_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&out.ID, &mode, &status, &reason, &durationMS, &created, &finished)
	if err != nil {
		return Session{}, err
	}
	out.Mode, out.Status, out.Reason = mode.String, status.String, reason.String
	out.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	out.CreatedAt = time.Unix(0, created).UTC()
	if finished.Valid {
		out.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return out, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.persistent() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, code, provider, duration_ms, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Code, evt.Provider, evt.Duration.Milliseconds(), evt.Detail, evt.CreatedAt.UnixNano())
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, code, provider, duration_ms, detail, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                      Event
			code, provider, detail sql.NullString
			durationMS             sql.NullInt64
			created                int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &code, &provider, &durationMS, &detail, &created); err != nil {
			return nil, err
		}
		e.Code, e.Provider, e.Detail = code.String, provider.String, detail.String
		e.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.persistent() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that the store matches its retention mode and that the
// database, when there is one, still answers.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	if s.db != nil {
		return s.db.Ping()
	}
	return nil
}
