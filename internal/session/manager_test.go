package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/capture"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/permission"
	"github.com/skypro1111/voice-session-service/internal/streaming"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine hands out numbered sessions and returns fixed audio on End
type fakeEngine struct {
	beginGate chan struct{} // Begin waits on it when set
	entered   chan struct{} // signalled when Begin is called, when set
	ignoreCtx bool          // Begin waits for cancellation, then succeeds anyway
	beginErr  error
	endErr    error
	audio     []byte

	active   bool
	listener capture.Listener
	begins   int
	ends     int
	seq      int
	mu       sync.Mutex
}

func (e *fakeEngine) Begin(ctx context.Context, l capture.Listener) (*capture.Session, error) {
	if e.entered != nil {
		select {
		case e.entered <- struct{}{}:
		default:
		}
	}
	if e.ignoreCtx {
		<-ctx.Done()
	}
	if e.beginGate != nil {
		select {
		case <-e.beginGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.beginErr != nil {
		return nil, e.beginErr
	}
	if e.active {
		return nil, capture.ErrAlreadyRecording
	}

	e.active = true
	e.begins++
	e.seq++
	e.listener = l

	return &capture.Session{
		ID:         fmt.Sprintf("session-%d", e.seq),
		StartedAt:  time.Now(),
		SampleRate: 16000,
	}, nil
}

func (e *fakeEngine) End() (*capture.Recording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return nil, capture.ErrNotRecording
	}
	e.active = false
	e.ends++

	if e.endErr != nil {
		return nil, e.endErr
	}
	return &capture.Recording{
		SessionID:  fmt.Sprintf("session-%d", e.seq),
		SampleRate: 16000,
		Audio:      e.audio,
	}, nil
}

func (e *fakeEngine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *fakeEngine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.begins, e.ends
}

func (e *fakeEngine) currentListener() capture.Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

// fakeStreamer records Complete and Bind calls and exposes the sink
type fakeStreamer struct {
	completed []string
	bound     string
	binds     int
	sink      streaming.EventSink
	mu        sync.Mutex
}

func (s *fakeStreamer) Complete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, sessionID)
}

func (s *fakeStreamer) Bind(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = sessionID
	if sessionID != "" {
		s.binds++
	}
}

func (s *fakeStreamer) Unbind() {
	s.Bind("")
}

func (s *fakeStreamer) Listen(sink streaming.EventSink) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	return func() {}
}

func (s *fakeStreamer) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *fakeStreamer) Binds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binds
}

func (s *fakeStreamer) Bound() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// fakeSubmitter answers with text, or err, once block is released
type fakeSubmitter struct {
	text  string
	err   error
	block chan struct{}

	requests []transcription.Request
	mu       sync.Mutex
}

func (s *fakeSubmitter) Submit(ctx context.Context, request transcription.Request) (*transcription.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, request)
	s.mu.Unlock()

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, &transcription.SubmissionError{
				Message:  "transcription timed out",
				TimedOut: true,
				Err:      ctx.Err(),
			}
		}
	}

	if s.err != nil {
		return nil, s.err
	}
	return &transcription.Response{Transcription: s.text}, nil
}

func (s *fakeSubmitter) Requests() []transcription.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcription.Request(nil), s.requests...)
}

// recorder collects callback invocations
type recorder struct {
	partials []string
	finals   []string
	errors   []string
	statuses []Status
	mu       sync.Mutex
}

func (r *recorder) install(cfg *Config) {
	cfg.OnTranscription = func(text string, isPartial bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if isPartial {
			r.partials = append(r.partials, text)
		} else {
			r.finals = append(r.finals, text)
		}
	}
	cfg.OnError = func(message string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, message)
	}
	cfg.OnStatusChange = func(status Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, status)
	}
}

func (r *recorder) snapshot() (partials, finals, errs []string, statuses []Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.partials...),
		append([]string(nil), r.finals...),
		append([]string(nil), r.errors...),
		append([]Status(nil), r.statuses...)
}

type harness struct {
	manager   *Manager
	engine    *fakeEngine
	streamer  *fakeStreamer
	submitter *fakeSubmitter
	perm      *permission.Switch
	gate      *permission.Gate
	calls     *recorder
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, engine *fakeEngine, submitter *fakeSubmitter) *harness {
	t.Helper()

	h := &harness{
		engine:    engine,
		streamer:  &fakeStreamer{},
		submitter: submitter,
		perm:      permission.NewSwitch(permission.StateGranted),
		calls:     &recorder{},
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	if cfg.Language == "" {
		cfg.Language = "ko"
	}
	h.calls.install(&cfg)
	h.gate = permission.NewGate(h.perm, testLogger())

	m, err := NewManager(cfg, Dependencies{
		Permission: h.gate,
		Capture:    engine,
		Streamer:   h.streamer,
		Submitter:  submitter,
		Metrics:    h.metrics,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h.manager = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return h
}

// settle waits until every event posted so far has been handled
func (h *harness) settle() {
	h.manager.call(func() {})
}

func (h *harness) sink() streaming.EventSink {
	h.streamer.mu.Lock()
	defer h.streamer.mu.Unlock()
	return h.streamer.sink
}

func waitForStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for status %s, have %s", want, m.Status())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pcmOf(samples ...int16) []byte {
	return audio.Int16ToBytes(samples)
}

func TestNewManagerValidation(t *testing.T) {
	gate := permission.NewGate(permission.NewSwitch(permission.StateGranted), testLogger())

	tests := []struct {
		name string
		deps Dependencies
	}{
		{"missing permission", Dependencies{Capture: &fakeEngine{}, Submitter: &fakeSubmitter{}}},
		{"missing capture", Dependencies{Permission: gate, Submitter: &fakeSubmitter{}}},
		{"missing submitter", Dependencies{Permission: gate, Capture: &fakeEngine{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(Config{}, tt.deps, testLogger()); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestSessionTranscribes(t *testing.T) {
	engine := &fakeEngine{audio: pcmOf(1, 2, 3, 4)}
	submitter := &fakeSubmitter{text: " 안녕하세요 "}
	h := newHarness(t, Config{}, engine, submitter)
	m := h.manager

	if status := m.Start(context.Background()); status != StatusRecording {
		t.Fatalf("Expected recording, got %s", status)
	}
	if !m.IsRecording() || m.SessionID() != "session-1" {
		t.Fatalf("Unexpected session state %+v", m.Snapshot())
	}
	if h.streamer.Bound() != "session-1" {
		t.Errorf("Expected streamer bound to session-1, got %q", h.streamer.Bound())
	}

	// A second start while recording keeps the same session
	if status := m.Start(context.Background()); status != StatusRecording {
		t.Errorf("Expected recording, got %s", status)
	}
	if begins, _ := engine.counts(); begins != 1 || m.SessionID() != "session-1" {
		t.Errorf("Expected a single capture session, got %d begins and id %s", begins, m.SessionID())
	}

	m.Stop(context.Background())
	waitForStatus(t, m, StatusIdle)

	requests := submitter.Requests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 submission, got %d", len(requests))
	}
	req := requests[0]
	if req.SessionID != "session-1" || req.Format != "wav" || req.Language != "ko" {
		t.Errorf("Unexpected request %+v", req)
	}
	samples, rate, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		t.Fatalf("Submitted audio is not WAV: %v", err)
	}
	if rate != 16000 || len(samples) != 4 || samples[0] != 1 || samples[3] != 4 {
		t.Errorf("Unexpected submitted audio %v at %d Hz", samples, rate)
	}

	if completed := h.streamer.Completed(); len(completed) != 1 || completed[0] != "session-1" {
		t.Errorf("Expected one audioComplete for session-1, got %v", completed)
	}
	if h.streamer.Bound() != "" {
		t.Errorf("Expected streamer unbound, got %q", h.streamer.Bound())
	}

	_, finals, errs, statuses := h.calls.snapshot()
	if len(finals) != 1 || finals[0] != "안녕하세요" {
		t.Errorf("Expected trimmed final transcription, got %v", finals)
	}
	if len(errs) != 0 {
		t.Errorf("Unexpected errors %v", errs)
	}
	want := []Status{StatusAwaitingPermission, StatusRecording, StatusTranscribing, StatusIdle}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("Expected transitions %v, got %v", want, statuses)
	}

	snap := m.Snapshot()
	if snap.LastFinal == nil || snap.LastFinal.Text != "안녕하세요" || snap.LastFinal.IsPartial {
		t.Errorf("Unexpected last final %+v", snap.LastFinal)
	}
	if snap.SessionID != "" || snap.AudioLevel != 0 {
		t.Errorf("Expected cleared session observables, got %+v", snap)
	}

	if got := testutil.ToFloat64(h.metrics.SessionsStarted); got != 1 {
		t.Errorf("Expected 1 started session, got %f", got)
	}
	if got := testutil.ToFloat64(h.metrics.SessionsFinished.WithLabelValues("transcribed")); got != 1 {
		t.Errorf("Expected 1 transcribed session, got %f", got)
	}
	if got := testutil.ToFloat64(h.metrics.SessionStatus.WithLabelValues("idle")); got != 1 {
		t.Errorf("Expected idle status gauge, got %f", got)
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, &fakeEngine{}, &fakeSubmitter{})

	if status := h.manager.Stop(context.Background()); status != StatusIdle {
		t.Errorf("Expected idle, got %s", status)
	}
	if len(h.submitter.Requests()) != 0 || len(h.streamer.Completed()) != 0 {
		t.Error("Stop while idle must not submit or complete anything")
	}
	if _, _, _, statuses := h.calls.snapshot(); len(statuses) != 0 {
		t.Errorf("Unexpected transitions %v", statuses)
	}
}

func TestPermissionDenied(t *testing.T) {
	engine := &fakeEngine{}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{})
	h.perm.Set(permission.StateDenied)
	m := h.manager

	if status := m.Start(context.Background()); status != StatusError {
		t.Fatalf("Expected error, got %s", status)
	}
	if m.IsRecording() {
		t.Error("Must not be recording after denial")
	}
	if !strings.Contains(m.LastError(), "permission denied") {
		t.Errorf("Unexpected last error %q", m.LastError())
	}
	if snap := m.Snapshot(); snap.ErrorKind != KindPermission || snap.SessionID != "" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if begins, _ := engine.counts(); begins != 0 {
		t.Errorf("Capture must not start, got %d begins", begins)
	}
	if _, _, errs, _ := h.calls.snapshot(); len(errs) != 1 {
		t.Errorf("Expected one error callback, got %v", errs)
	}

	m.ClearError()
	if m.Status() != StatusIdle || m.LastError() != "" {
		t.Errorf("Expected idle without error, got %s %q", m.Status(), m.LastError())
	}
	m.ClearError()
	if m.Status() != StatusIdle {
		t.Errorf("ClearError must be idempotent, got %s", m.Status())
	}

	// A fresh attempt from error succeeds once permission is granted
	h.perm.Set(permission.StateGranted)
	if status := m.Start(context.Background()); status != StatusRecording {
		t.Errorf("Expected recording once granted, got %s", status)
	}
}

func TestStartFromErrorBeginsFreshAttempt(t *testing.T) {
	engine := &fakeEngine{beginErr: capture.ErrDeviceBusy}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{})
	m := h.manager

	if status := m.Start(context.Background()); status != StatusError {
		t.Fatalf("Expected error, got %s", status)
	}

	engine.mu.Lock()
	engine.beginErr = nil
	engine.mu.Unlock()

	if status := m.Start(context.Background()); status != StatusRecording {
		t.Fatalf("Expected recording, got %s", status)
	}
	if m.LastError() != "" {
		t.Errorf("Expected error cleared on new attempt, got %q", m.LastError())
	}
}

func TestCaptureStartFailureKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"device denies access", fmt.Errorf("failed to open audio input: %w", capture.ErrPermissionDenied), KindPermission},
		{"device busy", fmt.Errorf("failed to open audio input: %w", capture.ErrDeviceBusy), KindCapture},
		{"unsupported constraints", capture.ErrUnsupportedConstraints, KindCapture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, &fakeEngine{beginErr: tt.err}, &fakeSubmitter{})

			if status := h.manager.Start(context.Background()); status != StatusError {
				t.Fatalf("Expected error, got %s", status)
			}
			snap := h.manager.Snapshot()
			if snap.ErrorKind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, snap.ErrorKind)
			}
			if snap.LastError != tt.err.Error() {
				t.Errorf("Expected message %q, got %q", tt.err.Error(), snap.LastError)
			}
			if got := testutil.ToFloat64(h.metrics.SessionErrors.WithLabelValues(string(tt.kind))); got != 1 {
				t.Errorf("Expected 1 %s error, got %f", tt.kind, got)
			}
		})
	}
}

func TestSubmissionTimeoutKeepsPartial(t *testing.T) {
	submitter := &fakeSubmitter{block: make(chan struct{})}
	defer close(submitter.block)

	h := newHarness(t, Config{SubmitTimeout: 50 * time.Millisecond}, &fakeEngine{audio: pcmOf(5, 6)}, submitter)
	m := h.manager

	m.Start(context.Background())
	h.sink().PartialTranscription("session-1", "hello")
	h.settle()

	m.Stop(context.Background())
	if m.Status() != StatusTranscribing {
		t.Errorf("Expected transcribing right after stop, got %s", m.Status())
	}
	waitForStatus(t, m, StatusError)

	snap := m.Snapshot()
	if !strings.Contains(snap.LastError, "timed out") || snap.ErrorKind != KindSubmission {
		t.Errorf("Unexpected error %q (%s)", snap.LastError, snap.ErrorKind)
	}
	if snap.LastPartial == nil || snap.LastPartial.Text != "hello" {
		t.Errorf("Partial text must survive a failed submission, got %+v", snap.LastPartial)
	}
	if snap.LastFinal != nil {
		t.Errorf("Unexpected final %+v", snap.LastFinal)
	}
}

func TestSubmissionErrorMessage(t *testing.T) {
	submitter := &fakeSubmitter{err: &transcription.SubmissionError{Message: "audio too short", StatusCode: 400}}
	h := newHarness(t, Config{}, &fakeEngine{audio: pcmOf(1)}, submitter)

	h.manager.Start(context.Background())
	h.manager.Stop(context.Background())
	waitForStatus(t, h.manager, StatusError)

	if h.manager.LastError() != "audio too short" {
		t.Errorf("Expected server message, got %q", h.manager.LastError())
	}
	if got := testutil.ToFloat64(h.metrics.SessionsFinished.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed session, got %f", got)
	}
}

func TestEmptyTranscriptionKeepsPartial(t *testing.T) {
	h := newHarness(t, Config{}, &fakeEngine{audio: pcmOf(1, 2)}, &fakeSubmitter{text: "   "})
	m := h.manager

	m.Start(context.Background())
	h.sink().PartialTranscription("session-1", "partial words")
	h.settle()

	m.Stop(context.Background())
	waitForStatus(t, m, StatusIdle)

	snap := m.Snapshot()
	if snap.LastPartial == nil || snap.LastPartial.Text != "partial words" {
		t.Errorf("Expected partial preserved, got %+v", snap.LastPartial)
	}
	if snap.LastFinal != nil {
		t.Errorf("Unexpected final %+v", snap.LastFinal)
	}
	if _, finals, _, _ := h.calls.snapshot(); len(finals) != 0 {
		t.Errorf("Empty transcription must not be delivered, got %v", finals)
	}
}

func TestPartialsScopedToSession(t *testing.T) {
	submitter := &fakeSubmitter{text: "final", block: make(chan struct{})}
	h := newHarness(t, Config{}, &fakeEngine{audio: pcmOf(1)}, submitter)
	m := h.manager

	m.Start(context.Background())
	sink := h.sink()

	sink.PartialTranscription("other-session", "ignored")
	sink.PartialTranscription("session-1", "one")
	h.settle()

	m.Stop(context.Background())
	sink.PartialTranscription("session-1", "late")
	h.settle()

	close(submitter.block)
	waitForStatus(t, m, StatusIdle)

	sink.PartialTranscription("session-1", "after final")
	h.settle()

	partials, finals, _, _ := h.calls.snapshot()
	if len(partials) != 1 || partials[0] != "one" {
		t.Errorf("Expected only the in-session partial, got %v", partials)
	}
	if len(finals) != 1 || finals[0] != "final" {
		t.Errorf("Unexpected finals %v", finals)
	}
	if snap := m.Snapshot(); snap.LastPartial == nil || snap.LastPartial.Text != "one" || !snap.LastPartial.IsPartial {
		t.Errorf("Unexpected last partial %+v", snap.LastPartial)
	}
}

func TestStreamingFailureKeepsRecording(t *testing.T) {
	h := newHarness(t, Config{}, &fakeEngine{audio: pcmOf(1)}, &fakeSubmitter{text: "ok"})
	m := h.manager

	m.Start(context.Background())
	h.sink().StreamingFailed("session-1", "asr overloaded")
	h.sink().StreamingFailed("other-session", "ignored")
	h.settle()

	if m.Status() != StatusRecording {
		t.Errorf("Streaming errors must not stop capture, got %s", m.Status())
	}
	snap := m.Snapshot()
	if snap.LastError != "asr overloaded" || snap.ErrorKind != KindStreaming {
		t.Errorf("Unexpected error %q (%s)", snap.LastError, snap.ErrorKind)
	}
	if _, _, errs, _ := h.calls.snapshot(); len(errs) != 1 || errs[0] != "asr overloaded" {
		t.Errorf("Unexpected error callbacks %v", errs)
	}

	h.sink().StreamingCompleted("session-1")
	m.Stop(context.Background())
	waitForStatus(t, m, StatusIdle)
}

func TestCaptureFailureForcesEnd(t *testing.T) {
	engine := &fakeEngine{audio: pcmOf(1)}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{})
	m := h.manager

	m.Start(context.Background())
	engine.currentListener().CaptureFailed("session-1", capture.ErrStreamEnded)
	waitForStatus(t, m, StatusError)

	if !strings.Contains(m.LastError(), "audio capture failed") {
		t.Errorf("Unexpected error %q", m.LastError())
	}
	if _, ends := engine.counts(); ends != 1 {
		t.Errorf("Expected capture ended once, got %d", ends)
	}
	if completed := h.streamer.Completed(); len(completed) != 1 || completed[0] != "session-1" {
		t.Errorf("Expected audioComplete on forced end, got %v", completed)
	}
	if len(h.submitter.Requests()) != 0 {
		t.Error("Failed capture must not be submitted")
	}
	if m.SessionID() != "" {
		t.Errorf("Expected session cleared, got %q", m.SessionID())
	}
}

func TestPermissionRevokedDuringRecording(t *testing.T) {
	engine := &fakeEngine{audio: pcmOf(1)}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{})
	m := h.manager

	m.Start(context.Background())
	h.perm.Set(permission.StateDenied)
	waitForStatus(t, m, StatusError)

	snap := m.Snapshot()
	if snap.LastError != capture.ErrPermissionRevoked.Error() || snap.ErrorKind != KindPermission {
		t.Errorf("Unexpected error %q (%s)", snap.LastError, snap.ErrorKind)
	}
	if engine.Active() {
		t.Error("Capture must be ended after revocation")
	}
}

func TestStopWhileAwaitingPermission(t *testing.T) {
	engine := &fakeEngine{beginGate: make(chan struct{})}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{})
	m := h.manager

	started := make(chan Status, 1)
	go func() {
		started <- m.Start(context.Background())
	}()
	waitForStatus(t, m, StatusAwaitingPermission)

	if status := m.Stop(context.Background()); status != StatusIdle {
		t.Errorf("Expected idle after cancelling a pending start, got %s", status)
	}

	select {
	case status := <-started:
		if status != StatusIdle {
			t.Errorf("Expected Start to report idle, got %s", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}

	if begins, _ := engine.counts(); begins != 0 {
		t.Errorf("Capture must not start, got %d begins", begins)
	}
	if m.LastError() != "" {
		t.Errorf("Cancellation is not an error, got %q", m.LastError())
	}
}

func TestPermissionRevokedWhileCaptureOpens(t *testing.T) {
	engine := &fakeEngine{beginGate: make(chan struct{}), entered: make(chan struct{}, 1), audio: pcmOf(1)}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{text: "x"})
	m := h.manager

	started := make(chan Status, 1)
	go func() {
		started <- m.Start(context.Background())
	}()

	select {
	case <-engine.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Capture was never started")
	}

	h.perm.Set(permission.StateDenied)
	deadline := time.Now().Add(2 * time.Second)
	for h.gate.State() != permission.StateDenied {
		if time.Now().After(deadline) {
			t.Fatal("Gate never observed the revocation")
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(engine.beginGate)

	select {
	case status := <-started:
		if status != StatusError {
			t.Errorf("Expected error, got %s", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}

	snap := m.Snapshot()
	if snap.LastError != capture.ErrPermissionRevoked.Error() || snap.ErrorKind != KindPermission {
		t.Errorf("Unexpected error %q (%s)", snap.LastError, snap.ErrorKind)
	}
	if snap.SessionID != "" || m.IsRecording() {
		t.Errorf("Expected no session, got %q", snap.SessionID)
	}
	if begins, ends := engine.counts(); begins != 1 || ends != 1 || engine.Active() {
		t.Errorf("Expected capture opened and ended once, got %d begins %d ends", begins, ends)
	}
	if h.streamer.Binds() != 0 || len(h.streamer.Completed()) != 0 {
		t.Error("A session that never recorded must not be bound or completed")
	}
}

func TestStopAfterCaptureOpened(t *testing.T) {
	engine := &fakeEngine{ignoreCtx: true, entered: make(chan struct{}, 1), audio: pcmOf(1)}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{text: "x"})
	m := h.manager

	started := make(chan Status, 1)
	go func() {
		started <- m.Start(context.Background())
	}()

	select {
	case <-engine.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Capture was never started")
	}

	if status := m.Stop(context.Background()); status != StatusIdle {
		t.Errorf("Expected idle, got %s", status)
	}
	if status := <-started; status != StatusIdle {
		t.Errorf("Expected Start to report idle, got %s", status)
	}

	if begins, ends := engine.counts(); begins != 1 || ends != 1 || engine.Active() {
		t.Errorf("Expected the opened capture to be ended, got %d begins %d ends", begins, ends)
	}
	if completed := h.streamer.Completed(); len(completed) != 0 {
		t.Errorf("audioComplete sent for a session that never streamed: %v", completed)
	}
	if h.streamer.Binds() != 0 || len(h.submitter.Requests()) != 0 {
		t.Error("Cancelled start must not bind or submit")
	}
	if m.LastError() != "" {
		t.Errorf("Cancellation is not an error, got %q", m.LastError())
	}
}

func TestStartWaitBoundedByContext(t *testing.T) {
	engine := &fakeEngine{beginGate: make(chan struct{})}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if status := h.manager.Start(ctx); status != StatusAwaitingPermission {
		t.Errorf("Expected awaiting permission, got %s", status)
	}

	close(engine.beginGate)
	waitForStatus(t, h.manager, StatusRecording)
}

func TestEmptyRecordingIsNotSubmitted(t *testing.T) {
	h := newHarness(t, Config{}, &fakeEngine{}, &fakeSubmitter{text: "x"})

	h.manager.Start(context.Background())
	if status := h.manager.Stop(context.Background()); status != StatusIdle {
		t.Errorf("Expected idle, got %s", status)
	}
	if len(h.submitter.Requests()) != 0 {
		t.Error("Empty recording must not be submitted")
	}
	if got := testutil.ToFloat64(h.metrics.SessionsFinished.WithLabelValues("empty")); got != 1 {
		t.Errorf("Expected 1 empty session, got %f", got)
	}
}

func TestEndFailure(t *testing.T) {
	engine := &fakeEngine{endErr: capture.ErrDeviceUnavailable}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{})

	h.manager.Start(context.Background())
	if status := h.manager.Stop(context.Background()); status != StatusError {
		t.Fatalf("Expected error, got %s", status)
	}
	if !strings.Contains(h.manager.LastError(), "failed to stop capture") {
		t.Errorf("Unexpected error %q", h.manager.LastError())
	}
	if len(h.streamer.Completed()) != 1 {
		t.Error("audioComplete must be sent even when End fails")
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, Config{}, &fakeEngine{audio: pcmOf(1)}, &fakeSubmitter{text: "done"})
	m := h.manager

	if status := m.Toggle(context.Background()); status != StatusRecording {
		t.Fatalf("Expected recording, got %s", status)
	}
	m.Toggle(context.Background())
	waitForStatus(t, m, StatusIdle)

	if len(h.submitter.Requests()) != 1 {
		t.Errorf("Expected one submission, got %d", len(h.submitter.Requests()))
	}

	if status := m.Toggle(context.Background()); status != StatusRecording || m.SessionID() != "session-2" {
		t.Errorf("Expected a second session, got %s %q", status, m.SessionID())
	}
}

func TestToggleFromError(t *testing.T) {
	engine := &fakeEngine{beginErr: capture.ErrDeviceBusy, audio: pcmOf(1)}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{text: "done"})
	m := h.manager

	if status := m.Toggle(context.Background()); status != StatusError {
		t.Fatalf("Expected error, got %s", status)
	}

	engine.mu.Lock()
	engine.beginErr = nil
	engine.mu.Unlock()

	if status := m.Toggle(context.Background()); status != StatusRecording {
		t.Fatalf("Expected toggle to restart from error, got %s", status)
	}
	if m.LastError() != "" {
		t.Errorf("Expected error cleared, got %q", m.LastError())
	}
}

func TestCaptureLevel(t *testing.T) {
	engine := &fakeEngine{audio: pcmOf(1)}
	h := newHarness(t, Config{}, engine, &fakeSubmitter{text: "x"})
	m := h.manager

	engine.mu.Lock()
	engine.listener = captureListener{m: m}
	engine.mu.Unlock()
	engine.currentListener().LevelChanged(0.5)
	if m.AudioLevel() != 0 {
		t.Error("Level must be ignored while not recording")
	}

	m.Start(context.Background())
	engine.currentListener().LevelChanged(0.42)
	if m.AudioLevel() != 0.42 {
		t.Errorf("Expected level 0.42, got %f", m.AudioLevel())
	}
	if got := testutil.ToFloat64(h.metrics.AudioLevel); got != 0.42 {
		t.Errorf("Expected level gauge 0.42, got %f", got)
	}

	m.Stop(context.Background())
	if m.AudioLevel() != 0 {
		t.Errorf("Expected level reset after stop, got %f", m.AudioLevel())
	}
}

func TestCloseSubmitsRecording(t *testing.T) {
	engine := &fakeEngine{audio: pcmOf(1, 2)}
	submitter := &fakeSubmitter{text: "closing words"}
	h := newHarness(t, Config{}, engine, submitter)
	m := h.manager

	m.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(submitter.Requests()) != 1 {
		t.Errorf("Expected the recording to be submitted, got %d", len(submitter.Requests()))
	}
	if _, finals, _, _ := h.calls.snapshot(); len(finals) != 1 || finals[0] != "closing words" {
		t.Errorf("Expected final delivered before close, got %v", finals)
	}
	if engine.Active() {
		t.Error("Capture must be released")
	}

	if status := m.Start(context.Background()); status != StatusIdle {
		t.Errorf("Start after close must do nothing, got %s", status)
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestCloseBoundedByContext(t *testing.T) {
	submitter := &fakeSubmitter{text: "late", block: make(chan struct{})}
	defer close(submitter.block)

	h := newHarness(t, Config{}, &fakeEngine{audio: pcmOf(1)}, submitter)
	h.manager.Start(context.Background())
	h.manager.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := h.manager.Close(ctx); err == nil {
		t.Error("Expected Close to report unfinished work")
	}
}
