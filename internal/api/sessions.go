package api

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kanilabs/kani-core/internal/eventstore"
	"github.com/kanilabs/kani-core/internal/media"
	"github.com/kanilabs/kani-core/internal/pipeline"
	"github.com/kanilabs/kani-core/internal/sessions"
)

const operatorKey = "operator"

type sessionView struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patientId"`
	OperatorID string    `json:"operatorId"`
	ClinicID   string    `json:"clinicId"`
	AudioURL   string    `json:"audioUrl"`
	Filename   string    `json:"filename"`
	Duration   *int      `json:"duration"`
	Transcript *string   `json:"transcript"`
	Notes      *string   `json:"notes"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func viewOf(s sessions.Session) sessionView {
	return sessionView{
		ID:         s.ID,
		PatientID:  s.PatientID,
		OperatorID: s.OperatorID,
		ClinicID:   s.ClinicID,
		AudioURL:   s.AudioURL,
		Filename:   s.Filename,
		Duration:   s.DurationSeconds,
		Transcript: s.Transcript,
		Notes:      s.Notes,
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func viewsOf(list []sessions.Session) []sessionView {
	out := make([]sessionView, len(list))
	for i, s := range list {
		out[i] = viewOf(s)
	}
	return out
}

type eventView struct {
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type updateRequest struct {
	Transcript *string `json:"transcript"`
	Notes      *string `json:"notes"`
	Status     *string `json:"status"`
}

// identify resolves the calling operator; every session route is scoped to its clinic.
func (s *Server) identify(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(OperatorHeader))
	if id == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "Missing operator identity")
	}
	op, err := s.store.GetOperator(c.UserContext(), id)
	if errors.Is(err, sessions.ErrNotFound) {
		return fiber.NewError(fiber.StatusUnauthorized, "Unknown operator")
	}
	if err != nil {
		return err
	}
	if !op.IsActive {
		return fiber.NewError(fiber.StatusForbidden, "Operator is not active")
	}
	c.Locals(operatorKey, op)
	return c.Next()
}

func operatorOf(c *fiber.Ctx) sessions.Operator {
	op, _ := c.Locals(operatorKey).(sessions.Operator)
	return op
}

func (s *Server) uploadAudio(c *fiber.Ctx) error {
	op := operatorOf(c)
	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "No file uploaded")
	}
	if !media.Allowed(fh.Filename, fh.Header.Get("Content-Type")) {
		return fiber.NewError(fiber.StatusBadRequest,
			"Only audio files are allowed (supported formats: mp3, wav, webm, ogg, m4a, aac, flac, opus)")
	}
	if fh.Size > int64(s.opts.MaxUploadBytes) {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "File too large")
	}
	patientID := strings.TrimSpace(c.FormValue("patientId"))
	if patientID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Patient ID is required")
	}
	// The id becomes part of the stored file name.
	if err := uuid.Validate(patientID); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Patient ID is malformed")
	}
	duration, err := parseDuration(c.FormValue("duration"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Duration must be a non-negative number of seconds")
	}

	name := media.StoredFilename(op.ID, patientID, fh.Filename, s.clock())
	path := filepath.Join(s.opts.UploadDir, name)
	if filepath.Dir(path) != filepath.Clean(s.opts.UploadDir) {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid file name")
	}
	if err := c.SaveFile(fh, path); err != nil {
		return err
	}
	if duration == nil {
		if secs, ok := media.ProbeDuration(path); ok {
			duration = &secs
		}
	}

	ref, err := s.submitter.Submit(c.UserContext(), pipeline.Upload{
		AudioPath:       path,
		Filename:        name,
		PatientID:       patientID,
		OperatorID:      op.ID,
		DurationSeconds: duration,
	})
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.log.Warn("failed to remove rejected upload", slog.String("path", path), slog.String("error", rmErr.Error()))
		}
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(ref)
}

// parseDuration accepts an empty value or a non-negative number; fractions are truncated.
func parseDuration(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return nil, errors.New("invalid duration")
	}
	secs := int(f)
	return &secs, nil
}

func (s *Server) getSession(c *fiber.Ctx) error {
	sess, err := s.store.GetClinicSession(c.UserContext(), c.Params("id"), operatorOf(c).ClinicID)
	if err != nil {
		return err
	}
	return c.JSON(viewOf(sess))
}

func (s *Server) updateSession(c *fiber.Ctx) error {
	var req updateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}
	update := sessions.Update{Transcript: req.Transcript, Notes: req.Notes}
	if req.Status != nil {
		st := sessions.Status(*req.Status)
		update.Status = &st
	}

	op := operatorOf(c)
	sess, err := s.store.ApplyUpdate(c.UserContext(), c.Params("id"), op.ClinicID, update)
	if err != nil {
		return err
	}
	if s.timeline != nil {
		evt := eventstore.Event{
			SessionID: sess.ID,
			ClinicID:  sess.ClinicID,
			Type:      eventstore.TypeEdited,
			Status:    string(sess.Status),
			Detail:    "edited by operator " + op.ID,
		}
		if err := s.timeline.Append(c.UserContext(), evt); err != nil {
			s.log.Warn("failed to record session edit", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		}
	}
	return c.JSON(viewOf(sess))
}

func (s *Server) deleteSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.store.DeleteSession(c.UserContext(), id, operatorOf(c).ClinicID); err != nil {
		return err
	}
	if s.timeline != nil {
		if err := s.timeline.DeleteTimeline(c.UserContext(), id); err != nil {
			s.log.Warn("failed to drop session timeline", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	return c.JSON(fiber.Map{"message": "Session deleted successfully"})
}

func (s *Server) listPatientSessions(c *fiber.Ctx) error {
	list, err := s.store.ListPatientSessions(c.UserContext(), c.Params("patientId"), operatorOf(c).ClinicID)
	if err != nil {
		return err
	}
	return c.JSON(viewsOf(list))
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	list, err := s.store.ListClinicSessions(c.UserContext(), operatorOf(c).ClinicID, c.QueryInt("limit", 10))
	if err != nil {
		return err
	}
	return c.JSON(viewsOf(list))
}

func (s *Server) listSessionEvents(c *fiber.Ctx) error {
	clinicID := operatorOf(c).ClinicID
	id := c.Params("id")
	if _, err := s.store.GetClinicSession(c.UserContext(), id, clinicID); err != nil {
		return err
	}
	out := []eventView{}
	if s.timeline == nil {
		return c.JSON(out)
	}
	events, err := s.timeline.ListSessionEvents(c.UserContext(), id, clinicID, c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	for _, e := range events {
		out = append(out, eventView{Type: e.Type, Status: e.Status, Detail: e.Detail, TraceID: e.TraceID, CreatedAt: e.CreatedAt})
	}
	return c.JSON(out)
}
