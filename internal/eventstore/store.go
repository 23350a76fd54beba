package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	_ "modernc.org/sqlite"
)

// Transcript is a finalized utterance recorded for a session.
type Transcript struct {
	ID         int64
	SessionID  string
	Utterance  int
	Text       string
	Words      []protocol.Word
	AudioStart float64
	AudioEnd   float64
	CreatedAt  time.Time
}

// SessionRecord describes one recognition session.
type SessionRecord struct {
	SessionID  string
	Source     string
	SampleRate float64
	CreatedAt  time.Time
	EndedAt    time.Time
}

// Store wraps a SQLite-backed transcript history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
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

// Timestamps are stored as unix nanoseconds so ordering and pruning compare
// integers rather than driver-formatted strings.
func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    sample_rate REAL,
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    utterance INTEGER NOT NULL,
    text TEXT NOT NULL,
    words_json TEXT,
    audio_start REAL,
    audio_end REAL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, utterance);
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

// BeginSession records the start of a session. Re-beginning an existing
// session updates its source and rate.
func (s *Store) BeginSession(ctx context.Context, sessionID, source string, sampleRate float64) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source, sample_rate, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET source=excluded.source, sample_rate=excluded.sample_rate`,
		sessionID, source, sampleRate, s.clock().UTC().UnixNano())
	return err
}

// EndSession stamps the session end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		s.clock().UTC().UnixNano(), sessionID)
	return err
}

// Session looks up a session record.
func (s *Store) Session(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s.disabled() {
		return SessionRecord{}, false, nil
	}
	var (
		rec     SessionRecord
		created int64
		ended   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, source, sample_rate, created_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&rec.SessionID, &rec.Source, &rec.SampleRate, &created, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	if ended.Valid {
		rec.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	return rec, true, nil
}

// AppendTranscript writes a finalized utterance. The session must have been
// begun first.
func (s *Store) AppendTranscript(ctx context.Context, tr Transcript) error {
	if s.disabled() {
		return nil
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock().UTC()
	}
	words, err := json.Marshal(tr.Words)
	if err != nil {
		return fmt.Errorf("encode words: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, utterance, text, words_json, audio_start, audio_end, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		tr.SessionID, tr.Utterance, tr.Text, string(words), tr.AudioStart, tr.AudioEnd, tr.CreatedAt.UnixNano())
	return err
}

// ListTranscripts retrieves up to limit transcripts for a session in
// utterance order.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, utterance, text, words_json, audio_start, audio_end, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY utterance ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var (
			tr      Transcript
			words   sql.NullString
			created int64
		)
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Utterance, &tr.Text, &words, &tr.AudioStart, &tr.AudioEnd, &created); err != nil {
			return nil, err
		}
		if words.Valid && words.String != "" && words.String != "null" {
			if err := json.Unmarshal([]byte(words.String), &tr.Words); err != nil {
				return nil, fmt.Errorf("decode words for transcript %d: %w", tr.ID, err)
			}
		}
		tr.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, tr)
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
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff); err != nil {
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

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
