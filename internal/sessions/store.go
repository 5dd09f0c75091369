package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kanilabs/kani-core/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sessionColumns = `id, patient_id, operator_id, clinic_id, audio_url, audio_path, filename,
	duration_seconds, transcript, notes, status, created_at, updated_at`

// Store is the SQLite-backed record store for sessions and the rows they reference.
// Every write is a single statement; there is no row locking, so concurrent writers
// to the same session resolve as last-write-wins.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", cfg.Path, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "session-store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s.log.Info("session store ready", slog.String("path", cfg.Path))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS clinics (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS operators (
    id TEXT PRIMARY KEY,
    clinic_id TEXT NOT NULL REFERENCES clinics(id),
    email TEXT NOT NULL UNIQUE,
    first_name TEXT,
    last_name TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS patients (
    id TEXT PRIMARY KEY,
    clinic_id TEXT NOT NULL REFERENCES clinics(id),
    name TEXT NOT NULL,
    phone TEXT NOT NULL,
    last_visit TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(phone, clinic_id)
);
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    operator_id TEXT NOT NULL REFERENCES operators(id),
    clinic_id TEXT NOT NULL REFERENCES clinics(id),
    audio_url TEXT NOT NULL,
    audio_path TEXT NOT NULL,
    filename TEXT NOT NULL,
    duration_seconds INTEGER,
    transcript TEXT,
    notes TEXT,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_clinic_created ON sessions(clinic_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_patient_created ON sessions(patient_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// CreateClinic inserts c, assigning an id and timestamps when missing.
func (s *Store) CreateClinic(ctx context.Context, c *Clinic) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt, c.UpdatedAt = s.now(), s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clinics(id, name, is_active, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.IsActive, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert clinic: %w", err)
	}
	return nil
}

func (s *Store) CreateOperator(ctx context.Context, o *Operator) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CreatedAt, o.UpdatedAt = s.now(), s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators(id, clinic_id, email, first_name, last_name, is_active, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ClinicID, o.Email, o.FirstName, o.LastName, o.IsActive, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert operator: %w", err)
	}
	return nil
}

func (s *Store) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt, p.UpdatedAt = s.now(), s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients(id, clinic_id, name, phone, last_visit, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClinicID, p.Name, p.Phone, nullTime(p.LastVisit), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// GetOperator returns a *NotFoundError when id is unknown.
func (s *Store) GetOperator(ctx context.Context, id string) (Operator, error) {
	var (
		o                Operator
		first, last      sql.NullString
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, clinic_id, email, first_name, last_name, is_active, created_at, updated_at
		 FROM operators WHERE id = ?`, id).
		Scan(&o.ID, &o.ClinicID, &o.Email, &first, &last, &o.IsActive, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, notFound("operator", id)
	}
	if err != nil {
		return Operator{}, fmt.Errorf("select operator: %w", err)
	}
	o.FirstName, o.LastName = first.String, last.String
	o.CreatedAt, o.UpdatedAt = parseTime(created), parseTime(updated)
	return o, nil
}

// GetPatient returns a *NotFoundError when id is unknown.
func (s *Store) GetPatient(ctx context.Context, id string) (Patient, error) {
	var (
		p                Patient
		lastVisit        sql.NullString
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, clinic_id, name, phone, last_visit, created_at, updated_at FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.ClinicID, &p.Name, &p.Phone, &lastVisit, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, notFound("patient", id)
	}
	if err != nil {
		return Patient{}, fmt.Errorf("select patient: %w", err)
	}
	if lastVisit.Valid {
		ts := parseTime(lastVisit.String)
		p.LastVisit = &ts
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return p, nil
}

// TouchPatientVisit sets the patient's last visit to at.
func (s *Store) TouchPatientVisit(ctx context.Context, patientID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE patients SET last_visit = ?, updated_at = ? WHERE id = ?`,
		formatTime(at.UTC()), formatTime(s.now()), patientID)
	if err != nil {
		return fmt.Errorf("update patient last visit: %w", err)
	}
	return requireRow(res, "patient", patientID)
}

// CreateSession inserts sess and stamps CreatedAt/UpdatedAt.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, sess.Status)
	}
	sess.CreatedAt = s.now()
	sess.UpdatedAt = sess.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(`+sessionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PatientID, sess.OperatorID, sess.ClinicID, sess.AudioURL, sess.AudioPath, sess.Filename,
		nullInt(sess.DurationSeconds), nullString(sess.Transcript), nullString(sess.Notes), string(sess.Status),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session regardless of clinic. It is the pipeline's read path.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, notFound("session", id)
	}
	return sess, err
}

// GetClinicSession fetches a session only if it belongs to clinicID.
func (s *Store) GetClinicSession(ctx context.Context, id, clinicID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND clinic_id = ?`, id, clinicID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, notFound("session", id)
	}
	return sess, err
}

// UpdateSession writes the mutable fields of sess (transcript, notes, status).
// A *NotFoundError means the row disappeared since it was read.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET transcript = ?, notes = ?, status = ?, updated_at = ? WHERE id = ?`,
		nullString(sess.Transcript), nullString(sess.Notes), string(sess.Status), formatTime(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res, "session", sess.ID)
}

// ApplyUpdate performs an administrative override on a clinic's session.
func (s *Store) ApplyUpdate(ctx context.Context, id, clinicID string, u Update) (Session, error) {
	if u.Status != nil && !u.Status.Valid() {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
	}
	sess, err := s.GetClinicSession(ctx, id, clinicID)
	if err != nil {
		return Session{}, err
	}
	if u.Transcript != nil {
		sess.Transcript = u.Transcript
	}
	if u.Notes != nil {
		sess.Notes = u.Notes
	}
	if u.Status != nil {
		sess.Status = *u.Status
	}
	if err := s.UpdateSession(ctx, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id, clinicID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND clinic_id = ?`, id, clinicID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := requireRow(res, "session", id); err != nil {
		return err
	}
	s.log.Info("session deleted", slog.String("session_id", id), slog.String("clinic_id", clinicID))
	return nil
}

// ListPatientSessions returns a patient's sessions in the clinic, newest first.
func (s *Store) ListPatientSessions(ctx context.Context, patientID, clinicID string) ([]Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE patient_id = ? AND clinic_id = ? ORDER BY created_at DESC`,
		patientID, clinicID)
}

// ListClinicSessions returns up to limit sessions of the clinic, newest first.
func (s *Store) ListClinicSessions(ctx context.Context, clinicID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE clinic_id = ? ORDER BY created_at DESC LIMIT ?`,
		clinicID, limit)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess              Session
		duration          sql.NullInt64
		transcript, notes sql.NullString
		status            string
		created, updated  string
	)
	err := row.Scan(&sess.ID, &sess.PatientID, &sess.OperatorID, &sess.ClinicID, &sess.AudioURL, &sess.AudioPath,
		&sess.Filename, &duration, &transcript, &notes, &status, &created, &updated)
	if err != nil {
		return Session{}, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		sess.DurationSeconds = &d
	}
	if transcript.Valid {
		sess.Transcript = &transcript.String
	}
	if notes.Valid {
		sess.Notes = &notes.String
	}
	sess.Status = Status(status)
	sess.CreatedAt, sess.UpdatedAt = parseTime(created), parseTime(updated)
	return sess, nil
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339Nano, v)
	}
	return ts
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTime(*v)
}
