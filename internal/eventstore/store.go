package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/config"
	_ "modernc.org/sqlite"
)

// Interaction kinds.
const (
	KindTranscript = "transcript"
	KindOutcome    = "outcome"
	KindFill       = "fill"
	KindError      = "error"
	KindLanguage   = "language"
)

// Interaction is one recorded step of a voice session.
type Interaction struct {
	ID        int64
	SessionID string
	Kind      string
	Page      string
	Text      string
	Detail    []byte
	CreatedAt time.Time
}

// Session summarizes one recognition stream.
type Session struct {
	ID           string
	Language     string
	Page         string
	StartedAt    time.Time
	EndedAt      time.Time
	Interactions int
}

// Store keeps voice interaction history in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. The ephemeral retention
// mode records nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
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
	db.SetMaxOpenConns(1)
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
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS voice_sessions (
    session_id TEXT PRIMARY KEY,
    language TEXT,
    page TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    page TEXT,
    text TEXT,
    detail BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES voice_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_interactions_session_created ON interactions(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records the start of a stream. Starting a known session
// again updates its language and page.
func (s *Store) BeginSession(ctx context.Context, sessionID, language, page string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_sessions(session_id, language, page, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET language=excluded.language, page=excluded.page`,
		sessionID, language, page, s.clock().UTC().UnixNano())
	return err
}

// EndSession stamps the end time of a stream.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE voice_sessions SET ended_at = ? WHERE session_id = ?`,
		s.clock().UTC().UnixNano(), sessionID)
	return err
}

// Append writes an interaction. The session must have been begun.
func (s *Store) Append(ctx context.Context, in Interaction) error {
	if s.disabled() {
		return nil
	}
	if in.SessionID == "" {
		return errors.New("interaction has no session id")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions(session_id, kind, page, text, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		in.SessionID, in.Kind, in.Page, in.Text, in.Detail, in.CreatedAt.UTC().UnixNano())
	return err
}

// ListSession returns up to limit interactions of a session, oldest first.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, page, text, detail, created_at
		 FROM interactions WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var in Interaction
		var page, text sql.NullString
		var created int64
		if err := rows.Scan(&in.ID, &in.SessionID, &in.Kind, &page, &text, &in.Detail, &created); err != nil {
			return nil, err
		}
		in.Page, in.Text = page.String, text.String
		in.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, in)
	}
	return out, rows.Err()
}

// RecentSessions returns the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.session_id, v.language, v.page, v.started_at, v.ended_at,
		        (SELECT COUNT(*) FROM interactions i WHERE i.session_id = v.session_id)
		 FROM voice_sessions v ORDER BY v.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var lang, page sql.NullString
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &lang, &page, &started, &ended, &sess.Interactions); err != nil {
			return nil, err
		}
		sess.Language, sess.Page = lang.String, page.String
		sess.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			sess.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM interactions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM voice_sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM voice_sessions WHERE session_id IN (
			SELECT session_id FROM voice_sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
