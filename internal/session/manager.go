package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/capture"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/permission"
	"github.com/skypro1111/voice-session-service/internal/streaming"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

const inboxSize = 64

// PermissionGate decides whether capture may be attempted
type PermissionGate interface {
	Check(ctx context.Context) (permission.State, error)
	Subscribe(ctx context.Context, fn func(permission.State)) error
	State() permission.State
}

// CaptureEngine owns the microphone stream of one session at a time
type CaptureEngine interface {
	Begin(ctx context.Context, l capture.Listener) (*capture.Session, error)
	End() (*capture.Recording, error)
	Active() bool
}

// ChunkStreamer carries the real-time side channel
type ChunkStreamer interface {
	Complete(sessionID string)
	Bind(sessionID string)
	Unbind()
	Listen(sink streaming.EventSink) func()
}

// Submitter performs the final transcription of a complete recording
type Submitter interface {
	Submit(ctx context.Context, request transcription.Request) (*transcription.Response, error)
}

// Config contains session manager configuration. Callbacks run on the
// control goroutine and must not call back into the Manager.
type Config struct {
	Language      string
	SubmitTimeout time.Duration
	Format        string

	OnTranscription func(text string, isPartial bool)
	OnError         func(message string)
	OnStatusChange  func(status Status)
}

// Dependencies are the collaborators driven by the manager
type Dependencies struct {
	Permission PermissionGate
	Capture    CaptureEngine
	Streamer   ChunkStreamer // optional
	Submitter  Submitter
	Metrics    *metrics.Metrics // optional
}

// attempt is one pending Start, from the permission check to the capture
// start. Cancelling ctx abandons it.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs the voice session state machine
type Manager struct {
	config  Config
	deps    Dependencies
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbox     chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	pending   sync.WaitGroup
	closeOnce sync.Once

	unlisten    func()
	cancelWatch context.CancelFunc

	// Owned by the control goroutine
	current   *attempt
	session   *capture.Session
	closing   bool
	startedAt time.Time

	level atomic.Uint64 // math.Float64bits of the audio level

	snap Snapshot
	mu   sync.RWMutex
}

// NewManager creates a manager and starts its control goroutine
func NewManager(config Config, deps Dependencies, logger *slog.Logger) (*Manager, error) {
	if deps.Permission == nil {
		return nil, fmt.Errorf("permission gate is required")
	}
	if deps.Capture == nil {
		return nil, fmt.Errorf("capture engine is required")
	}
	if deps.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if deps.Streamer == nil {
		deps.Streamer = nopStreamer{}
	}

	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 30 * time.Second
	}
	if config.Format == "" {
		config.Format = "wav"
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config:   config,
		deps:     deps,
		logger:   logger,
		metrics:  deps.Metrics,
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		snap:     Snapshot{Status: StatusIdle},
	}
	m.metrics.SetSessionStatus(string(StatusIdle), statusNames())

	go m.loop()

	m.unlisten = deps.Streamer.Listen(eventSink{m: m})

	watchCtx, cancel := context.WithCancel(context.Background())
	m.cancelWatch = cancel
	if err := deps.Permission.Subscribe(watchCtx, m.permissionChanged); err != nil {
		logger.Warn("Permission changes will not be observed",
			slog.String("error", err.Error()))
	}

	return m, nil
}

// Start begins a new session and waits until it is recording or has failed.
// It is a no-op unless the manager is idle or in error.
func (m *Manager) Start(ctx context.Context) Status {
	return m.run(ctx, m.begin)
}

// Stop ends the current recording and hands it to the submitter. A pending
// start is abandoned. It is a no-op while idle.
func (m *Manager) Stop(ctx context.Context) Status {
	return m.run(ctx, m.stop)
}

// Toggle starts from idle or error, like Start, and stops otherwise
func (m *Manager) Toggle(ctx context.Context) Status {
	return m.run(ctx, func() <-chan struct{} {
		switch m.Status() {
		case StatusIdle, StatusError:
			return m.begin()
		default:
			return m.stop()
		}
	})
}

// ClearError clears the last error message and leaves the error status
func (m *Manager) ClearError() {
	m.call(func() {
		m.update(func(s *Snapshot) {
			s.LastError = ""
			s.ErrorKind = ""
		})
		if m.Status() == StatusError {
			m.setStatus(StatusIdle)
		}
	})
}

// Close releases the current session, waits for pending work within ctx and
// stops the control goroutine. A recording in progress is submitted first.
func (m *Manager) Close(ctx context.Context) error {
	var err error

	m.closeOnce.Do(func() {
		var wait <-chan struct{}
		m.call(func() {
			m.closing = true
			wait = m.stop()
		})
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
			}
		}

		drained := make(chan struct{})
		go func() {
			m.pending.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			err = fmt.Errorf("pending session work did not finish: %w", ctx.Err())
			m.logger.Warn("Closing with session work in flight",
				slog.String("error", ctx.Err().Error()))
		}

		m.unlisten()
		m.cancelWatch()

		close(m.quit)
		<-m.loopDone

		m.logger.Info("Session manager closed")
	})

	return err
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Status
}

// AudioLevel returns the latest input level in [0, 1]
func (m *Manager) AudioLevel() float64 {
	return math.Float64frombits(m.level.Load())
}

// LastError returns the last error message, or ""
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.LastError
}

// IsRecording reports whether audio is being captured
func (m *Manager) IsRecording() bool {
	return m.Status() == StatusRecording
}

// SessionID returns the id of the recording or transcribing session
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.SessionID
}

// Snapshot returns a copy of all observables
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()

	snap.AudioLevel = m.AudioLevel()
	if snap.LastPartial != nil {
		p := *snap.LastPartial
		snap.LastPartial = &p
	}
	if snap.LastFinal != nil {
		f := *snap.LastFinal
		snap.LastFinal = &f
	}
	return snap
}

func (m *Manager) loop() {
	defer close(m.loopDone)

	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			// Results posted before quit still get handled
			for {
				select {
				case fn := <-m.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn for the control goroutine. It fails once the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// call runs fn on the control goroutine and waits for it
func (m *Manager) call(fn func()) bool {
	done := make(chan struct{})
	if !m.post(func() {
		fn()
		close(done)
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-m.loopDone:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// run executes a command on the control goroutine, then waits on the
// channel it returns, if any
func (m *Manager) run(ctx context.Context, command func() <-chan struct{}) Status {
	var wait <-chan struct{}
	if m.call(func() { wait = command() }) && wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
		case <-m.loopDone:
		}
	}
	return m.Status()
}

func (m *Manager) begin() <-chan struct{} {
	status := m.Status()
	if m.closing || (status != StatusIdle && status != StatusError) {
		m.logger.Debug("Start ignored", slog.String("status", string(status)))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	m.current = a

	m.update(func(s *Snapshot) {
		s.LastError = ""
		s.ErrorKind = ""
	})
	m.setStatus(StatusAwaitingPermission)

	m.pending.Add(1)
	go m.acquire(a)

	return a.done
}

// acquire checks permission and starts capture off the control goroutine
func (m *Manager) acquire(a *attempt) {
	defer m.pending.Done()

	_, err := m.deps.Permission.Check(a.ctx)

	var sess *capture.Session
	if err == nil && a.ctx.Err() == nil {
		sess, err = m.deps.Capture.Begin(a.ctx, captureListener{m: m})
	}

	if !m.post(func() { m.settleStart(a, sess, err) }) && sess != nil {
		m.endCapture(sess.ID)
	}
}

func (m *Manager) settleStart(a *attempt, sess *capture.Session, err error) {
	defer close(a.done)
	defer a.cancel()

	if m.current == a {
		m.current = nil
	}

	// The session was never bound, so nothing was streamed for it
	if a.ctx.Err() != nil {
		if sess != nil {
			m.endCapture(sess.ID)
		}
		m.logger.Info("Session start cancelled")
		m.metrics.RecordSessionFinished("cancelled", 0)
		m.setStatus(StatusIdle)
		return
	}

	if err != nil {
		kind := KindCapture
		var permErr *permission.Error
		if errors.As(err, &permErr) || errors.Is(err, capture.ErrPermissionDenied) {
			kind = KindPermission
		}
		m.fail(&Error{Kind: kind, Message: err.Error(), Err: err})
		return
	}

	// Revocations seen while capture was opening have no session to abort
	if m.deps.Permission.State() == permission.StateDenied {
		m.endCapture(sess.ID)
		m.fail(&Error{
			Kind:    KindPermission,
			Message: capture.ErrPermissionRevoked.Error(),
			Err:     capture.ErrPermissionRevoked,
		})
		return
	}

	m.session = sess
	m.startedAt = sess.StartedAt
	m.deps.Streamer.Bind(sess.ID)

	m.update(func(s *Snapshot) {
		s.SessionID = sess.ID
		s.StartedAt = sess.StartedAt
		s.LastPartial = nil
		s.LastFinal = nil
	})
	m.metrics.RecordSessionStarted()
	m.setStatus(StatusRecording)

	m.logger.Info("Session recording",
		slog.String("session_id", sess.ID),
		slog.Int("sample_rate", sess.SampleRate))
}

func (m *Manager) stop() <-chan struct{} {
	switch m.Status() {
	case StatusAwaitingPermission:
		if m.current == nil {
			return nil
		}
		m.current.cancel()
		return m.current.done
	case StatusRecording:
		m.finishRecording()
	default:
		m.logger.Debug("Stop ignored", slog.String("status", string(m.Status())))
	}
	return nil
}

// finishRecording ends capture and submits the recording
func (m *Manager) finishRecording() {
	sess := m.session
	m.session = nil

	recording, err := m.deps.Capture.End()
	m.deps.Streamer.Complete(sess.ID)
	m.deps.Streamer.Unbind()

	if err != nil {
		m.fail(&Error{Kind: KindCapture, Message: fmt.Sprintf("failed to stop capture: %v", err), Err: err})
		return
	}

	if len(recording.Audio) == 0 {
		m.logger.Warn("Recording is empty, nothing to transcribe",
			slog.String("session_id", sess.ID))
		m.metrics.RecordSessionFinished("empty", time.Since(m.startedAt).Seconds())
		m.setStatus(StatusIdle)
		return
	}

	data, err := audio.EncodeWAV(recording.Audio, recording.SampleRate)
	if err != nil {
		m.fail(&Error{Kind: KindCapture, Message: fmt.Sprintf("failed to encode recording: %v", err), Err: err})
		return
	}

	m.setStatus(StatusTranscribing)

	m.logger.Info("Submitting recording",
		slog.String("session_id", sess.ID),
		slog.Int("chunks", len(recording.Chunks)),
		slog.Int("bytes", len(data)),
		slog.Duration("audio_duration", recording.Duration()))

	m.pending.Add(1)
	go m.submit(sess.ID, data)
}

// submit runs the final transcription request. It is bounded only by
// SubmitTimeout.
func (m *Manager) submit(sessionID string, data []byte) {
	defer m.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.SubmitTimeout)
	defer cancel()

	resp, err := m.deps.Submitter.Submit(ctx, transcription.Request{
		SessionID: sessionID,
		Audio:     data,
		Format:    m.config.Format,
		Language:  m.config.Language,
	})

	m.post(func() { m.handleSubmission(sessionID, resp, err) })
}

func (m *Manager) handleSubmission(sessionID string, resp *transcription.Response, err error) {
	if m.Status() != StatusTranscribing || m.SessionID() != sessionID {
		m.logger.Warn("Discarding stale transcription result",
			slog.String("session_id", sessionID))
		return
	}

	if err != nil {
		message := err.Error()
		var subErr *transcription.SubmissionError
		if errors.As(err, &subErr) {
			message = subErr.Message
		}
		m.fail(&Error{Kind: KindSubmission, Message: message, Err: err})
		return
	}

	text := strings.TrimSpace(resp.Transcription)
	seconds := time.Since(m.startedAt).Seconds()
	if text == "" {
		m.logger.Info("Final transcription is empty",
			slog.String("session_id", sessionID))
		m.metrics.RecordSessionFinished("empty", seconds)
		m.setStatus(StatusIdle)
		return
	}

	event := TranscriptionEvent{
		SessionID: sessionID,
		Text:      text,
		IsPartial: false,
		Timestamp: time.Now(),
	}
	m.update(func(s *Snapshot) { s.LastFinal = &event })

	m.logger.Info("Final transcription received",
		slog.String("session_id", sessionID),
		slog.Int("length", len(text)),
		slog.Duration("latency", resp.Latency))

	if m.config.OnTranscription != nil {
		m.config.OnTranscription(text, false)
	}

	m.metrics.RecordSessionFinished("transcribed", seconds)
	m.setStatus(StatusIdle)
}

func (m *Manager) handlePartial(sessionID, text string) {
	if m.Status() != StatusRecording || m.session == nil || m.session.ID != sessionID {
		return
	}

	event := TranscriptionEvent{
		SessionID: sessionID,
		Text:      text,
		IsPartial: true,
		Timestamp: time.Now(),
	}
	m.update(func(s *Snapshot) { s.LastPartial = &event })

	if m.config.OnTranscription != nil {
		m.config.OnTranscription(text, true)
	}
}

// handleStreamingFailed reports a real-time transcription error. Capture
// keeps running.
func (m *Manager) handleStreamingFailed(sessionID, message string) {
	if m.session == nil || m.session.ID != sessionID {
		return
	}

	if strings.TrimSpace(message) == "" {
		message = "real-time transcription failed"
	}

	m.logger.Warn("Real-time transcription error",
		slog.String("session_id", sessionID),
		slog.String("error", message))

	m.update(func(s *Snapshot) {
		s.LastError = message
		s.ErrorKind = KindStreaming
	})
	m.metrics.RecordSessionError(string(KindStreaming))

	if m.config.OnError != nil {
		m.config.OnError(message)
	}
}

// abort tears down a recording that can no longer continue
func (m *Manager) abort(sessionID string, sessErr *Error) {
	if m.Status() != StatusRecording || m.session == nil || m.session.ID != sessionID {
		return
	}

	m.session = nil
	m.endCapture(sessionID)
	m.deps.Streamer.Complete(sessionID)
	m.deps.Streamer.Unbind()

	m.fail(sessErr)
}

func (m *Manager) permissionChanged(state permission.State) {
	if state != permission.StateDenied {
		return
	}

	m.post(func() {
		if m.session == nil {
			return
		}
		m.abort(m.session.ID, &Error{
			Kind:    KindPermission,
			Message: capture.ErrPermissionRevoked.Error(),
			Err:     capture.ErrPermissionRevoked,
		})
	})
}

// endCapture ends the engine session; failures only get logged
func (m *Manager) endCapture(sessionID string) {
	if _, err := m.deps.Capture.End(); err != nil && !errors.Is(err, capture.ErrNotRecording) {
		m.logger.Warn("Failed to end capture",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// fail moves to the error status and clears the session reference
func (m *Manager) fail(sessErr *Error) {
	if m.session != nil {
		m.deps.Streamer.Unbind()
		m.session = nil
	}

	m.logger.Error("Session failed",
		slog.String("kind", string(sessErr.Kind)),
		slog.String("session_id", m.SessionID()),
		slog.String("error", sessErr.Message))

	m.update(func(s *Snapshot) {
		s.LastError = sessErr.Message
		s.ErrorKind = sessErr.Kind
	})
	m.metrics.RecordSessionError(string(sessErr.Kind))
	if !m.startedAt.IsZero() && m.SessionID() != "" {
		m.metrics.RecordSessionFinished("failed", time.Since(m.startedAt).Seconds())
	}

	m.setStatus(StatusError)

	if m.config.OnError != nil {
		m.config.OnError(sessErr.Message)
	}
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	previous := m.snap.Status
	m.snap.Status = status
	if status == StatusIdle || status == StatusError {
		m.snap.SessionID = ""
		m.snap.StartedAt = time.Time{}
	}
	m.mu.Unlock()

	if status != StatusRecording {
		m.level.Store(0)
		m.metrics.SetAudioLevel(0)
	}

	if previous == status {
		return
	}

	m.metrics.SetSessionStatus(string(status), statusNames())
	m.logger.Debug("Session status changed",
		slog.String("from", string(previous)),
		slog.String("to", string(status)))

	if m.config.OnStatusChange != nil {
		m.config.OnStatusChange(status)
	}
}

func (m *Manager) update(fn func(s *Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.snap)
}

// captureListener receives engine callbacks on engine goroutines
type captureListener struct {
	m *Manager
}

func (l captureListener) LevelChanged(level float64) {
	if l.m.Status() != StatusRecording {
		return
	}
	l.m.level.Store(math.Float64bits(level))
	l.m.metrics.SetAudioLevel(level)
}

func (l captureListener) CaptureFailed(sessionID string, err error) {
	// End waits for the failing reader, so never block it on the inbox
	go l.m.post(func() {
		l.m.abort(sessionID, &Error{
			Kind:    KindCapture,
			Message: fmt.Sprintf("audio capture failed: %v", err),
			Err:     err,
		})
	})
}

// eventSink forwards inbound streaming events to the control goroutine
type eventSink struct {
	m *Manager
}

func (s eventSink) PartialTranscription(sessionID, text string) {
	s.m.post(func() { s.m.handlePartial(sessionID, text) })
}

func (s eventSink) StreamingCompleted(sessionID string) {
	s.m.logger.Debug("Real-time transcription completed",
		slog.String("session_id", sessionID))
}

func (s eventSink) StreamingFailed(sessionID, message string) {
	s.m.post(func() { s.m.handleStreamingFailed(sessionID, message) })
}

type nopStreamer struct{}

func (nopStreamer) Complete(string)                   {}
func (nopStreamer) Bind(string)                       {}
func (nopStreamer) Unbind()                           {}
func (nopStreamer) Listen(streaming.EventSink) func() { return func() {} }
