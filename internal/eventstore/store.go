package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kanilabs/kani-core/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline event types.
const (
	TypeSubmitted           = "session.submitted"
	TypeTranscribed         = "session.transcribed"
	TypeTranscriptionFailed = "session.transcription_failed"
	TypeExtracted           = "session.extracted"
	TypeExtractionFailed    = "session.extraction_failed"
	TypeEdited              = "session.edited"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one entry in a session's processing timeline.
type Event struct {
	ID        int64
	SessionID string
	ClinicID  string
	Type      string
	Status    string
	Detail    string
	TraceID   string
	CreatedAt time.Time
}

// Store is a SQLite-backed, append-only timeline of pipeline transitions.
// In ephemeral mode it keeps nothing and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the timeline store according to config, then applies
// vacuum and retention.
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

	s, err := open(ctx, cfg, log, "file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		s.db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	s.log.Info("event store ready", slog.String("path", cfg.Path), slog.String("retention_mode", cfg.RetentionMode))
	return s, nil
}

// OpenReader opens an existing timeline database for queries only. It never
// creates the file, changes the schema or applies retention. A missing file
// yields an empty store.
func OpenReader(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}
	if _, err := os.Stat(cfg.Path); errors.Is(err, fs.ErrNotExist) {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}
	return open(ctx, cfg, log, "file:%s?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
}

func open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger, dsnFormat string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(dsnFormat, cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db, cfg: cfg, log: log, clock: time.Now}, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS timelines (
    session_id TEXT PRIMARY KEY,
    clinic_id TEXT NOT NULL,
    patient_id TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    clinic_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    status TEXT,
    detail TEXT,
    trace_id TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES timelines(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_timelines_created ON timelines(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// OpenTimeline ensures a timeline row exists for the session.
func (s *Store) OpenTimeline(ctx context.Context, sessionID, clinicID, patientID string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timelines(session_id, clinic_id, patient_id, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, clinicID, patientID, s.clock().UTC().Format(timeLayout))
	return err
}

// Append writes evt; the session's timeline must already be open.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, clinic_id, event_type, status, detail, trace_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.ClinicID, evt.Type, evt.Status, evt.Detail, evt.TraceID, evt.CreatedAt.UTC().Format(timeLayout))
	return err
}

// ListSessionEvents returns up to limit events of a clinic's session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID, clinicID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return []Event{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, clinic_id, event_type, COALESCE(status, ''), COALESCE(detail, ''), COALESCE(trace_id, ''), created_at
		 FROM events WHERE session_id = ? AND clinic_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, clinicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ClinicID, &e.Type, &e.Status, &e.Detail, &e.TraceID, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteTimeline drops a session's timeline and its events.
func (s *Store) DeleteTimeline(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM timelines WHERE session_id = ?`, sessionID)
	return err
}

// Prune applies configured retention. It runs on open and on the runtime's prune ticker.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
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

	var events, timelines int64
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		var res sql.Result
		if res, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		events += rowsAffected(res)
		if res, err = tx.ExecContext(ctx, `DELETE FROM timelines WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		timelines += rowsAffected(res)
	}
	if s.cfg.MaxSessions > 0 {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `DELETE FROM timelines WHERE session_id IN (
			SELECT session_id FROM timelines ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
		timelines += rowsAffected(res)
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	if events > 0 || timelines > 0 {
		s.log.Info("event store pruned", slog.Int64("events", events), slog.Int64("timelines", timelines))
	}
	return nil
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
