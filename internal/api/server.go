package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kanilabs/kani-core/internal/eventstore"
	"github.com/kanilabs/kani-core/internal/pipeline"
	"github.com/kanilabs/kani-core/internal/sessions"
)

// OperatorHeader carries the authenticated operator id, set by the auth proxy in front of us.
const OperatorHeader = "X-Operator-ID"

// Store is the session record store as seen by the HTTP layer.
type Store interface {
	GetOperator(ctx context.Context, id string) (sessions.Operator, error)
	GetClinicSession(ctx context.Context, id, clinicID string) (sessions.Session, error)
	ApplyUpdate(ctx context.Context, id, clinicID string, u sessions.Update) (sessions.Session, error)
	DeleteSession(ctx context.Context, id, clinicID string) error
	ListPatientSessions(ctx context.Context, patientID, clinicID string) ([]sessions.Session, error)
	ListClinicSessions(ctx context.Context, clinicID string, limit int) ([]sessions.Session, error)
}

type Submitter interface {
	Submit(ctx context.Context, up pipeline.Upload) (pipeline.Ref, error)
}

type Timeline interface {
	Append(ctx context.Context, evt eventstore.Event) error
	ListSessionEvents(ctx context.Context, sessionID, clinicID string, limit int) ([]eventstore.Event, error)
	DeleteTimeline(ctx context.Context, sessionID string) error
}

type Options struct {
	UploadDir      string
	MaxUploadBytes int
	MetricsPath    string
	Metrics        http.Handler
	Ready          func() bool
	Logger         *slog.Logger
}

// Server is the fiber application exposing the session endpoints.
type Server struct {
	app       *fiber.App
	store     Store
	submitter Submitter
	timeline  Timeline
	opts      Options
	log       *slog.Logger
	clock     func() time.Time
}

func New(store Store, submitter Submitter, timeline Timeline, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	s := &Server{
		store:     store,
		submitter: submitter,
		timeline:  timeline,
		opts:      opts,
		log:       logger.With(slog.String("component", "api")),
		clock:     time.Now,
	}
	s.app = fiber.New(fiber.Config{
		// Room for the multipart envelope and the small form fields.
		BodyLimit:             opts.MaxUploadBytes + 1<<20,
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(s.requestLog)

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	s.app.Get("/readyz", func(c *fiber.Ctx) error {
		if s.opts.Ready == nil || s.opts.Ready() {
			return c.SendString("ready")
		}
		return c.Status(fiber.StatusServiceUnavailable).SendString("not ready")
	})
	if s.opts.Metrics != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.app.Get(path, adaptor.HTTPHandler(s.opts.Metrics))
	}
	if s.opts.UploadDir != "" {
		s.app.Static("/uploads/sessions", s.opts.UploadDir)
	}

	g := s.app.Group("/sessions", s.identify)
	g.Post("/upload-audio", s.uploadAudio)
	g.Get("/patient/:patientId", s.listPatientSessions)
	g.Get("/:id/events", s.listSessionEvents)
	g.Get("/:id", s.getSession)
	g.Put("/:id", s.updateSession)
	g.Delete("/:id", s.deleteSession)
	g.Get("/", s.listSessions)
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

type errorBody struct {
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, message = fe.Code, fe.Message
	case errors.Is(err, sessions.ErrNotFound):
		code, message = fiber.StatusNotFound, notFoundMessage(err)
	case errors.Is(err, sessions.ErrInvalidStatus):
		code, message = fiber.StatusBadRequest, "Status must be one of processing, extracting, completed, failed"
	default:
		s.log.Error("request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()))
	}
	return c.Status(code).JSON(errorBody{StatusCode: code, Message: message, Timestamp: s.clock().UTC()})
}

func notFoundMessage(err error) string {
	var nf *sessions.NotFoundError
	if !errors.As(err, &nf) {
		return "Not found"
	}
	switch nf.Entity {
	case "patient":
		return "Patient not found"
	case "operator":
		return "Operator not found"
	case "session":
		return "Session not found"
	}
	return "Not found"
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}
	s.log.Debug("http request",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", status),
		slog.Duration("elapsed", time.Since(start)))
	return err
}
