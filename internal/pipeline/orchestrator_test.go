package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/eventstore"
	"github.com/kanilabs/kani-core/internal/extract"
	"github.com/kanilabs/kani-core/internal/protocol"
	"github.com/kanilabs/kani-core/internal/sessions"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memStore struct {
	mu        sync.Mutex
	patients  map[string]sessions.Patient
	operators map[string]sessions.Operator
	sessions  map[string]sessions.Session
	updates   int
	touched   []time.Time
	touchErr  error

	// vanishOnUpdate deletes the session inside UpdateSession, after the
	// caller's re-fetch succeeded.
	vanishOnUpdate bool
}

func newMemStore() *memStore {
	return &memStore{
		patients:  map[string]sessions.Patient{"P1": {ID: "P1", ClinicID: "C1", Name: "Ali"}},
		operators: map[string]sessions.Operator{"U1": {ID: "U1", ClinicID: "C1", Email: "u1@c1.test"}},
		sessions:  map[string]sessions.Session{},
	}
}

func (m *memStore) GetPatient(_ context.Context, id string) (sessions.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return sessions.Patient{}, &sessions.NotFoundError{Entity: "patient", ID: id}
	}
	return p, nil
}

func (m *memStore) GetOperator(_ context.Context, id string) (sessions.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.operators[id]
	if !ok {
		return sessions.Operator{}, &sessions.NotFoundError{Entity: "operator", ID: id}
	}
	return o, nil
}

func (m *memStore) CreateSession(_ context.Context, sess *sessions.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.ID = uuid.NewString()
	sess.CreatedAt = time.Now().UTC()
	sess.UpdatedAt = sess.CreatedAt
	m.sessions[sess.ID] = *sess
	return nil
}

func (m *memStore) TouchPatientVisit(_ context.Context, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, at)
	return m.touchErr
}

func (m *memStore) GetSession(_ context.Context, id string) (sessions.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return sessions.Session{}, &sessions.NotFoundError{Entity: "session", ID: id}
	}
	return s, nil
}

func (m *memStore) UpdateSession(_ context.Context, sess *sessions.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vanishOnUpdate {
		delete(m.sessions, sess.ID)
	}
	if _, ok := m.sessions[sess.ID]; !ok {
		return &sessions.NotFoundError{Entity: "session", ID: sess.ID}
	}
	m.updates++
	sess.UpdatedAt = time.Now().UTC()
	m.sessions[sess.ID] = *sess
	return nil
}

func (m *memStore) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *memStore) edit(id string, mutate func(*sessions.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	mutate(&s)
	m.sessions[id] = s
}

func (m *memStore) snapshot(id string) (sessions.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memStore) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

type transcribeFunc func(ctx context.Context, path string) (string, error)

func (f transcribeFunc) Transcribe(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type extractFunc func(ctx context.Context, transcript string) (string, error)

func (f extractFunc) Extract(ctx context.Context, transcript string) (string, error) {
	return f(ctx, transcript)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []protocol.SessionStatus
}

func (n *recordingNotifier) PublishStatus(msg protocol.SessionStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.msgs))
	for i, m := range n.msgs {
		out[i] = m.Status
	}
	return out
}

type recordingRecorder struct {
	mu     sync.Mutex
	opened []string
	events []eventstore.Event
}

func (r *recordingRecorder) OpenTimeline(_ context.Context, sessionID, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, sessionID)
	return nil
}

func (r *recordingRecorder) Append(_ context.Context, evt eventstore.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func returns(text string, err error) transcribeFunc {
	return func(context.Context, string) (string, error) { return text, err }
}

func extracts(notes string, err error) extractFunc {
	return func(context.Context, string) (string, error) { return notes, err }
}

func upload() Upload {
	return Upload{AudioPath: "/data/uploads/a.webm", Filename: "a.webm", PatientID: "P1", OperatorID: "U1"}
}

func submitAndWait(t *testing.T, o *Orchestrator) Ref {
	t.Helper()
	ref, err := o.Submit(context.Background(), upload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, o)
	return ref
}

func waitFor(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("pipeline did not finish: %v", err)
	}
}

func TestSubmitReturnsBeforePortsRun(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	hang := transcribeFunc(func(context.Context, string) (string, error) {
		<-release
		return "late", nil
	})
	extractorCalled := make(chan struct{}, 1)
	ex := extractFunc(func(context.Context, string) (string, error) {
		extractorCalled <- struct{}{}
		<-release
		return "late notes", nil
	})
	o := New(store, hang, ex, Options{PublicBaseURL: "https://api.kani.test/", Logger: newLogger()})

	ref, err := o.Submit(context.Background(), upload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ref.ID == "" || ref.Filename != "a.webm" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if ref.URL != "https://api.kani.test/uploads/sessions/a.webm" {
		t.Fatalf("unexpected url %q", ref.URL)
	}
	sess, ok := store.snapshot(ref.ID)
	if !ok || sess.Status != sessions.StatusProcessing || sess.ClinicID != "C1" {
		t.Fatalf("expected processing session in clinic C1, got %+v", sess)
	}
	if len(store.touched) != 1 || !store.touched[0].Equal(sess.CreatedAt) {
		t.Fatalf("expected last visit set to session creation time, got %v", store.touched)
	}

	close(release)
	waitFor(t, o)
	<-extractorCalled
}

func TestHappyPath(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	recorder := &recordingRecorder{}
	o := New(store, returns("hello world", nil), extracts("summary text", nil),
		Options{Notifier: notifier, Recorder: recorder, Logger: newLogger()})

	ref := submitAndWait(t, o)
	sess, _ := store.snapshot(ref.ID)
	if sess.Status != sessions.StatusCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	if sess.Transcript == nil || *sess.Transcript != "hello world" {
		t.Fatalf("unexpected transcript %v", sess.Transcript)
	}
	if sess.Notes == nil || *sess.Notes != "summary text" {
		t.Fatalf("unexpected notes %v", sess.Notes)
	}

	want := []string{"processing", "extracting", "completed"}
	if got := notifier.statuses(); !equal(got, want) {
		t.Fatalf("unexpected published statuses %v", got)
	}
	wantEvents := []string{eventstore.TypeSubmitted, eventstore.TypeTranscribed, eventstore.TypeExtracted}
	if got := recorder.types(); !equal(got, wantEvents) {
		t.Fatalf("unexpected timeline %v", got)
	}
	if len(recorder.opened) != 1 || recorder.opened[0] != ref.ID {
		t.Fatalf("expected timeline opened for %s, got %v", ref.ID, recorder.opened)
	}
}

func TestExtractionDegraded(t *testing.T) {
	store := newMemStore()
	recorder := &recordingRecorder{}
	o := New(store, returns("hello world", nil), extracts("", sessions.ErrExtractionFailed),
		Options{Recorder: recorder, Logger: newLogger()})

	ref := submitAndWait(t, o)
	sess, _ := store.snapshot(ref.ID)
	if sess.Status != sessions.StatusCompleted || sess.Notes != nil {
		t.Fatalf("expected degraded completion, got %+v", sess)
	}
	if sess.Transcript == nil || *sess.Transcript != "hello world" {
		t.Fatalf("expected transcript preserved, got %v", sess.Transcript)
	}
	if !sess.Degraded() {
		t.Fatal("expected Degraded() to report true")
	}
	types := recorder.types()
	if types[len(types)-1] != eventstore.TypeExtractionFailed {
		t.Fatalf("expected extraction failure on timeline, got %v", types)
	}
}

func TestEmptyTranscriptSkipsExtraction(t *testing.T) {
	store := newMemStore()
	cfg := config.Default().Extraction
	cfg.Mode = "mock"
	ex, err := extract.New(cfg, newLogger())
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	o := New(store, returns("   ", nil), ex, Options{Logger: newLogger()})

	ref := submitAndWait(t, o)
	sess, _ := store.snapshot(ref.ID)
	if sess.Status != sessions.StatusCompleted || sess.Notes != nil || sess.Transcript == nil {
		t.Fatalf("expected completed without notes, got %+v", sess)
	}
}

func TestTranscriptionFailure(t *testing.T) {
	store := newMemStore()
	extractorCalled := false
	ex := extractFunc(func(context.Context, string) (string, error) {
		extractorCalled = true
		return "never", nil
	})
	o := New(store, returns("", sessions.ErrTranscriptionFailed), ex, Options{Logger: newLogger()})

	ref := submitAndWait(t, o)
	sess, _ := store.snapshot(ref.ID)
	if sess.Status != sessions.StatusFailed || sess.Transcript != nil || sess.Notes != nil {
		t.Fatalf("expected failed session with null fields, got %+v", sess)
	}
	if extractorCalled {
		t.Fatal("extraction must not run after transcription failure")
	}
}

func TestMissingPatientCreatesNothing(t *testing.T) {
	store := newMemStore()
	called := false
	tr := transcribeFunc(func(context.Context, string) (string, error) {
		called = true
		return "", nil
	})
	o := New(store, tr, extracts("", nil), Options{Logger: newLogger()})

	up := upload()
	up.PatientID = "missing"
	_, err := o.Submit(context.Background(), up)
	if !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var nf *sessions.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != "patient" {
		t.Fatalf("expected patient NotFoundError, got %v", err)
	}
	waitFor(t, o)
	if store.count() != 0 || called {
		t.Fatal("expected no session and no pipeline run")
	}
}

func TestMissingOperatorCreatesNothing(t *testing.T) {
	store := newMemStore()
	o := New(store, returns("x", nil), extracts("y", nil), Options{Logger: newLogger()})
	up := upload()
	up.OperatorID = "ghost"
	if _, err := o.Submit(context.Background(), up); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.count() != 0 {
		t.Fatal("expected no session created")
	}
}

func TestVanishedRecordAbandonsSilently(t *testing.T) {
	store := newMemStore()
	var id string
	var mu sync.Mutex
	tr := transcribeFunc(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		store.delete(id)
		return "hello world", nil
	})
	extractorCalled := false
	ex := extractFunc(func(context.Context, string) (string, error) {
		extractorCalled = true
		return "notes", nil
	})
	notifier := &recordingNotifier{}
	o := New(store, tr, ex, Options{Notifier: notifier, Logger: newLogger()})

	mu.Lock()
	ref, err := o.Submit(context.Background(), upload())
	if err != nil {
		mu.Unlock()
		t.Fatalf("submit: %v", err)
	}
	id = ref.ID
	mu.Unlock()
	waitFor(t, o)

	if store.updateCount() != 0 {
		t.Fatalf("expected no writes after the record vanished, got %d", store.updateCount())
	}
	if _, ok := store.snapshot(ref.ID); ok {
		t.Fatal("session must not be recreated")
	}
	if extractorCalled {
		t.Fatal("extraction must not run for a vanished session")
	}
	if got := notifier.statuses(); !equal(got, []string{"processing"}) {
		t.Fatalf("expected only the submission to be published, got %v", got)
	}
}

func TestRecordVanishingAtWriteAbandonsSilently(t *testing.T) {
	store := newMemStore()
	store.vanishOnUpdate = true
	extractorCalled := false
	ex := extractFunc(func(context.Context, string) (string, error) {
		extractorCalled = true
		return "notes", nil
	})
	notifier := &recordingNotifier{}
	recorder := &recordingRecorder{}
	o := New(store, returns("hello world", nil), ex, Options{Notifier: notifier, Recorder: recorder, Logger: newLogger()})

	ref := submitAndWait(t, o)

	if store.updateCount() != 0 {
		t.Fatalf("expected no writes, got %d", store.updateCount())
	}
	if _, ok := store.snapshot(ref.ID); ok {
		t.Fatal("session must not be recreated")
	}
	if extractorCalled {
		t.Fatal("extraction must not run when the transcript write found no record")
	}
	if got := notifier.statuses(); !equal(got, []string{"processing"}) {
		t.Fatalf("expected only the submission to be published, got %v", got)
	}
	if got := recorder.types(); !equal(got, []string{eventstore.TypeSubmitted}) {
		t.Fatalf("expected only the submission on the timeline, got %v", got)
	}
}

func TestRunOverwritesConcurrentEdit(t *testing.T) {
	store := newMemStore()
	var id string
	var mu sync.Mutex
	ex := extractFunc(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		store.edit(id, func(s *sessions.Session) {
			corrected := "corrected transcript"
			handNotes := "typed by hand"
			s.Transcript = &corrected
			s.Notes = &handNotes
			s.Status = sessions.StatusFailed
		})
		return "summary", nil
	})
	o := New(store, returns("hello world", nil), ex, Options{Logger: newLogger()})

	mu.Lock()
	ref, err := o.Submit(context.Background(), upload())
	if err != nil {
		mu.Unlock()
		t.Fatalf("submit: %v", err)
	}
	id = ref.ID
	mu.Unlock()
	waitFor(t, o)

	sess, _ := store.snapshot(ref.ID)
	if sess.Status != sessions.StatusCompleted || sess.Notes == nil || *sess.Notes != "summary" {
		t.Fatalf("expected the run's terminal write to win, got %+v", sess)
	}
	if sess.Transcript == nil || *sess.Transcript != "corrected transcript" {
		t.Fatalf("expected fields the run does not write to keep the edit, got %v", sess.Transcript)
	}
}

func TestExtractionWaitsForTranscriptWrite(t *testing.T) {
	store := newMemStore()
	var id string
	var mu sync.Mutex
	var seen sessions.Session
	ex := extractFunc(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		seen, _ = store.snapshot(id)
		return "notes", nil
	})
	tr := transcribeFunc(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return "hello world", nil
	})
	o := New(store, tr, ex, Options{Logger: newLogger()})

	mu.Lock()
	ref, err := o.Submit(context.Background(), upload())
	if err != nil {
		mu.Unlock()
		t.Fatalf("submit: %v", err)
	}
	id = ref.ID
	mu.Unlock()
	waitFor(t, o)

	if seen.Status != sessions.StatusExtracting || seen.Transcript == nil || *seen.Transcript != "hello world" {
		t.Fatalf("extraction ran before the transcript was persisted: %+v", seen)
	}
}

func TestRunIgnoresSubmitterCancellation(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	release := make(chan struct{})
	tr := transcribeFunc(func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "hello world", nil
	})
	o := New(store, tr, extracts("summary", nil), Options{Logger: newLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	ref, err := o.Submit(ctx, upload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	cancel()
	close(release)
	waitFor(t, o)

	sess, _ := store.snapshot(ref.ID)
	if sess.Status != sessions.StatusCompleted {
		t.Fatalf("expected run to complete despite cancelled request, got %s", sess.Status)
	}
}

func TestPanicsBecomePersistedState(t *testing.T) {
	store := newMemStore()
	boom := transcribeFunc(func(context.Context, string) (string, error) { panic("decoder exploded") })
	o := New(store, boom, extracts("x", nil), Options{Logger: newLogger()})
	ref := submitAndWait(t, o)
	if sess, _ := store.snapshot(ref.ID); sess.Status != sessions.StatusFailed || sess.Transcript != nil {
		t.Fatalf("expected failed after transcription panic, got %+v", sess)
	}

	store = newMemStore()
	explode := extractFunc(func(context.Context, string) (string, error) { panic("model exploded") })
	o = New(store, returns("hello world", nil), explode, Options{Logger: newLogger()})
	ref = submitAndWait(t, o)
	sess, _ := store.snapshot(ref.ID)
	if sess.Status != sessions.StatusCompleted || sess.Notes != nil || sess.Transcript == nil {
		t.Fatalf("expected degraded completion after extraction panic, got %+v", sess)
	}
}

func TestLastVisitFailureDoesNotAbortSubmit(t *testing.T) {
	store := newMemStore()
	store.touchErr = errors.New("disk full")
	o := New(store, returns("hello world", nil), extracts("notes", nil), Options{Logger: newLogger()})
	ref := submitAndWait(t, o)
	if sess, _ := store.snapshot(ref.ID); sess.Status != sessions.StatusCompleted {
		t.Fatalf("expected run to proceed, got %s", sess.Status)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
