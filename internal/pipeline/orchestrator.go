package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kanilabs/kani-core/internal/eventstore"
	"github.com/kanilabs/kani-core/internal/extract"
	"github.com/kanilabs/kani-core/internal/protocol"
	"github.com/kanilabs/kani-core/internal/sessions"
	"github.com/kanilabs/kani-core/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kanilabs/kani-core/internal/pipeline"

// Store is the slice of the session record store the pipeline needs.
type Store interface {
	GetPatient(ctx context.Context, id string) (sessions.Patient, error)
	GetOperator(ctx context.Context, id string) (sessions.Operator, error)
	CreateSession(ctx context.Context, sess *sessions.Session) error
	TouchPatientVisit(ctx context.Context, patientID string, at time.Time) error
	GetSession(ctx context.Context, id string) (sessions.Session, error)
	UpdateSession(ctx context.Context, sess *sessions.Session) error
}

// Notifier publishes status transitions, typically on the bus.
type Notifier interface {
	PublishStatus(msg protocol.SessionStatus) error
}

// Recorder keeps the per-session timeline.
type Recorder interface {
	OpenTimeline(ctx context.Context, sessionID, clinicID, patientID string) error
	Append(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	// PublicBaseURL prefixes the audio URL handed back to callers.
	PublicBaseURL string
	Notifier      Notifier
	Recorder      Recorder
	Logger        *slog.Logger
}

// Upload describes an audio file already written to disk.
type Upload struct {
	AudioPath       string
	Filename        string
	PatientID       string
	OperatorID      string
	DurationSeconds *int
}

// Ref is what the submitter gets back.
type Ref struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Orchestrator creates sessions and drives each one through transcription and
// extraction on its own goroutine.
type Orchestrator struct {
	store       Store
	transcriber transcribe.Transcriber
	extractor   extract.Extractor
	opts        Options
	log         *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics
	wg          sync.WaitGroup
}

func New(store Store, transcriber transcribe.Transcriber, extractor extract.Extractor, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:       store,
		transcriber: transcriber,
		extractor:   extractor,
		opts:        opts,
		log:         logger.With(slog.String("component", "pipeline")),
		tracer:      otel.Tracer(instrumentationName),
	}
	m, err := newMetrics(otel.Meter(instrumentationName))
	if err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	o.metrics = m
	return o
}

// Submit validates the references, persists a new processing session and
// starts its pipeline. It returns before either stage runs; stage failures are
// only visible through the stored session.
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (Ref, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.submit")
	defer span.End()

	patient, err := o.store.GetPatient(ctx, up.PatientID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Ref{}, err
	}
	operator, err := o.store.GetOperator(ctx, up.OperatorID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Ref{}, err
	}

	sess := sessions.Session{
		PatientID:       patient.ID,
		OperatorID:      operator.ID,
		ClinicID:        operator.ClinicID,
		AudioURL:        o.audioURL(up.Filename),
		AudioPath:       up.AudioPath,
		Filename:        up.Filename,
		DurationSeconds: up.DurationSeconds,
		Status:          sessions.StatusProcessing,
	}
	if err := o.store.CreateSession(ctx, &sess); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Ref{}, fmt.Errorf("create session: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", sess.ID), attribute.String("clinic.id", sess.ClinicID))

	if err := o.store.TouchPatientVisit(ctx, patient.ID, sess.CreatedAt); err != nil {
		o.log.Warn("failed to update patient last visit",
			slog.String("session_id", sess.ID),
			slog.String("patient_id", patient.ID),
			slog.String("error", err.Error()))
	}

	if o.opts.Recorder != nil {
		if err := o.opts.Recorder.OpenTimeline(ctx, sess.ID, sess.ClinicID, sess.PatientID); err != nil {
			o.log.Warn("failed to open session timeline", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		}
	}
	o.transitioned(ctx, sess, eventstore.TypeSubmitted, "")
	o.metrics.submitted(ctx)

	link := trace.LinkFromContext(ctx)
	o.wg.Add(1)
	go o.run(sess.ID, link)

	o.log.Info("session submitted",
		slog.String("session_id", sess.ID),
		slog.String("clinic_id", sess.ClinicID),
		slog.String("filename", sess.Filename))
	return Ref{ID: sess.ID, URL: sess.AudioURL, Filename: sess.Filename}, nil
}

// Wait blocks until every started run has finished or ctx is done. It does not
// cancel runs.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) audioURL(filename string) string {
	return strings.TrimRight(o.opts.PublicBaseURL, "/") + "/uploads/sessions/" + filename
}

type stage string

const (
	stageTranscription stage = "transcription"
	stageExtraction    stage = "extraction"
)

// run is the detached half of a submission. It starts from a fresh context so
// the submitter's cancellation never reaches it.
func (o *Orchestrator) run(sessionID string, link trace.Link) {
	defer o.wg.Done()
	o.metrics.started()
	defer o.metrics.finished()

	ctx, span := o.tracer.Start(context.Background(), "pipeline.run",
		trace.WithNewRoot(),
		trace.WithLinks(link),
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	log := o.log.With(slog.String("session_id", sessionID))

	current := stageTranscription
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("pipeline panicked", slog.String("stage", string(current)), slog.Any("panic", r))
		span.SetStatus(codes.Error, "panic")
		detail := fmt.Sprintf("panic: %v", r)
		if current == stageTranscription {
			o.finish(ctx, sessionID, outcomeFailed, eventstore.TypeTranscriptionFailed, detail, func(s *sessions.Session) {
				s.Status = sessions.StatusFailed
			})
			return
		}
		o.finish(ctx, sessionID, outcomeDegraded, eventstore.TypeExtractionFailed, detail, func(s *sessions.Session) {
			s.Status = sessions.StatusCompleted
		})
	}()

	sess, ok := o.fetch(ctx, sessionID)
	if !ok {
		return
	}

	transcript, err := o.transcribe(ctx, sess.AudioPath)
	if err != nil {
		log.Warn("transcription failed", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
		o.finish(ctx, sessionID, outcomeFailed, eventstore.TypeTranscriptionFailed, err.Error(), func(s *sessions.Session) {
			s.Status = sessions.StatusFailed
		})
		return
	}
	if _, ok := o.write(ctx, sessionID, eventstore.TypeTranscribed, "", func(s *sessions.Session) {
		s.Transcript = &transcript
		s.Status = sessions.StatusExtracting
	}); !ok {
		return
	}

	current = stageExtraction
	notes, err := o.extract(ctx, transcript)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, sessions.ErrEmptyInput) {
			level = slog.LevelInfo
		}
		log.Log(ctx, level, "extraction failed; completing without notes", slog.String("error", err.Error()))
		o.finish(ctx, sessionID, outcomeDegraded, eventstore.TypeExtractionFailed, err.Error(), func(s *sessions.Session) {
			s.Status = sessions.StatusCompleted
		})
		return
	}
	o.finish(ctx, sessionID, outcomeCompleted, eventstore.TypeExtracted, "", func(s *sessions.Session) {
		s.Notes = &notes
		s.Status = sessions.StatusCompleted
	})
}

func (o *Orchestrator) transcribe(ctx context.Context, audioPath string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()
	start := time.Now()
	text, err := o.transcriber.Transcribe(ctx, audioPath)
	o.metrics.stageDone(ctx, stageTranscription, time.Since(start), err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}

func (o *Orchestrator) extract(ctx context.Context, transcript string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.extract")
	defer span.End()
	start := time.Now()
	notes, err := o.extractor.Extract(ctx, transcript)
	o.metrics.stageDone(ctx, stageExtraction, time.Since(start), err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return notes, err
}

// finish performs the terminal write of a run and counts its outcome.
func (o *Orchestrator) finish(ctx context.Context, sessionID string, result outcome, eventType, detail string, mutate func(*sessions.Session)) {
	if _, ok := o.write(ctx, sessionID, eventType, detail, mutate); ok {
		o.metrics.outcome(ctx, result)
	}
}

// write re-reads the session, applies mutate and stores it. Concurrent
// administrative edits between the read and the write are overwritten.
// ok is false when the run must stop: the record vanished or the store failed.
func (o *Orchestrator) write(ctx context.Context, sessionID, eventType, detail string, mutate func(*sessions.Session)) (sessions.Session, bool) {
	sess, ok := o.fetch(ctx, sessionID)
	if !ok {
		return sessions.Session{}, false
	}
	mutate(&sess)
	if err := o.store.UpdateSession(ctx, &sess); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			o.abandon(ctx, sessionID)
			return sessions.Session{}, false
		}
		o.log.Error("failed to persist session transition",
			slog.String("session_id", sessionID),
			slog.String("status", string(sess.Status)),
			slog.String("error", err.Error()))
		return sessions.Session{}, false
	}
	o.transitioned(ctx, sess, eventType, detail)
	return sess, true
}

func (o *Orchestrator) fetch(ctx context.Context, sessionID string) (sessions.Session, bool) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err == nil {
		return sess, true
	}
	if errors.Is(err, sessions.ErrNotFound) {
		o.abandon(ctx, sessionID)
		return sessions.Session{}, false
	}
	o.log.Error("failed to load session", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	return sessions.Session{}, false
}

func (o *Orchestrator) abandon(ctx context.Context, sessionID string) {
	o.log.Debug("session vanished; abandoning run", slog.String("session_id", sessionID))
	o.metrics.outcome(ctx, outcomeAbandoned)
}

// transitioned records a persisted transition on the timeline and the bus.
// Neither failure affects the session.
func (o *Orchestrator) transitioned(ctx context.Context, sess sessions.Session, eventType, detail string) {
	if o.opts.Recorder != nil {
		evt := eventstore.Event{
			SessionID: sess.ID,
			ClinicID:  sess.ClinicID,
			Type:      eventType,
			Status:    string(sess.Status),
			Detail:    detail,
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			evt.TraceID = sc.TraceID().String()
		}
		if err := o.opts.Recorder.Append(ctx, evt); err != nil {
			o.log.Warn("failed to append timeline event",
				slog.String("session_id", sess.ID),
				slog.String("event", eventType),
				slog.String("error", err.Error()))
		}
	}
	if o.opts.Notifier != nil {
		msg := protocol.SessionStatus{
			SessionID:     sess.ID,
			ClinicID:      sess.ClinicID,
			Status:        string(sess.Status),
			HasTranscript: sess.Transcript != nil,
			HasNotes:      sess.Notes != nil,
			Timestamp:     sess.UpdatedAt,
		}
		if err := o.opts.Notifier.PublishStatus(msg); err != nil {
			o.log.Warn("failed to publish session status",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
		}
	}
}
