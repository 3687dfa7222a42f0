package streaming

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/metrics"
)

// ErrOutboxFull is reported when an event cannot be queued for sending
var ErrOutboxFull = errors.New("streaming outbox full")

// Config contains chunk streamer configuration
type Config struct {
	Enabled        bool // real-time transcription; when false the streamer does nothing
	OutboxSize     int
	DeliveryBuffer int
}

// Delivery is the outcome of one outbound event. Err is nil when the event
// was written to the channel.
type Delivery struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

// EventSink receives inbound events of the bound session
type EventSink interface {
	PartialTranscription(sessionID, text string)
	StreamingCompleted(sessionID string)
	StreamingFailed(sessionID, message string)
}

type outbound struct {
	event     string
	sessionID string
	sequence  uint64
	payload   any
}

// StreamerStats represents streamer statistics
type StreamerStats struct {
	Enabled      bool   `json:"enabled"`
	Connected    bool   `json:"connected"`
	BoundSession string `json:"bound_session"`
	Queued       int    `json:"queued"`
	Sent         uint64 `json:"sent"`
	Failed       uint64 `json:"failed"`
	Discarded    uint64 `json:"discarded"`
}

// Streamer sends chunks over a Channel from a single sender goroutine, so
// events leave in the order they were queued
type Streamer struct {
	channel Channel
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	outbox     chan outbound
	deliveries chan Delivery
	wg         sync.WaitGroup
	startOnce  sync.Once

	closed bool
	sendMu sync.RWMutex

	bound         string
	lastCompleted string
	sent          uint64
	failed        uint64
	discarded     uint64
	mu            sync.RWMutex
}

// NewStreamer creates a streamer over ch; ch may be nil
func NewStreamer(ch Channel, config Config, logger *slog.Logger, m *metrics.Metrics) *Streamer {
	if config.OutboxSize <= 0 {
		config.OutboxSize = 64
	}
	if config.DeliveryBuffer <= 0 {
		config.DeliveryBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Streamer{
		channel:    ch,
		config:     config,
		logger:     logger,
		metrics:    m,
		outbox:     make(chan outbound, config.OutboxSize),
		deliveries: make(chan Delivery, config.DeliveryBuffer),
	}
}

// Start launches the sender goroutine
func (s *Streamer) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.sendLoop()
	})
}

// Close stops accepting events, sends what is queued and waits for the sender
func (s *Streamer) Close() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.outbox)
	}
	s.sendMu.Unlock()

	s.Start()
	s.wg.Wait()
}

// Deliveries reports the outcome of every outbound event. Results are
// dropped when nobody keeps up with the channel.
func (s *Streamer) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Enabled reports whether real-time streaming is on
func (s *Streamer) Enabled() bool {
	return s.config.Enabled
}

// Send queues a chunk for transmission without blocking
func (s *Streamer) Send(chunk audio.AudioChunk) {
	if !s.config.Enabled {
		return
	}

	s.enqueue(outbound{
		event:     EventAudioChunk,
		sessionID: chunk.SessionID,
		sequence:  chunk.Sequence,
		payload:   NewAudioChunkPayload(chunk),
	})
}

// Complete queues the audioComplete notification for a session. Repeated
// calls for the same session are ignored.
func (s *Streamer) Complete(sessionID string) {
	if !s.config.Enabled {
		return
	}

	s.mu.Lock()
	if s.lastCompleted == sessionID {
		s.mu.Unlock()
		return
	}
	s.lastCompleted = sessionID
	s.mu.Unlock()

	s.enqueue(outbound{
		event:     EventAudioComplete,
		sessionID: sessionID,
		payload:   AudioCompletePayload{SessionID: sessionID},
	})
}

func (s *Streamer) enqueue(item outbound) {
	if s.channel == nil || !s.channel.Connected() {
		s.report(item, ErrNotConnected)
		return
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed {
		s.report(item, ErrNotConnected)
		return
	}

	select {
	case s.outbox <- item:
	default:
		s.report(item, ErrOutboxFull)
	}
}

func (s *Streamer) sendLoop() {
	defer s.wg.Done()

	for item := range s.outbox {
		s.report(item, s.channel.Emit(item.event, item.payload))
	}
}

func (s *Streamer) report(item outbound, err error) {
	s.mu.Lock()
	if err == nil {
		s.sent++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if err == nil {
		s.metrics.RecordEventSent(item.event)
	} else {
		s.metrics.RecordSendFailure(item.event, failureReason(err))
		s.logger.Debug("Streaming event not delivered",
			slog.String("event", item.event),
			slog.String("session_id", item.sessionID),
			slog.Uint64("sequence", item.sequence),
			slog.String("error", err.Error()))
	}

	select {
	case s.deliveries <- Delivery{
		Event:     item.event,
		SessionID: item.sessionID,
		Sequence:  item.sequence,
		Err:       err,
		At:        time.Now(),
	}:
	default:
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrOutboxFull):
		return "outbox_full"
	default:
		return "write_error"
	}
}

// Bind scopes inbound events to sessionID
func (s *Streamer) Bind(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = sessionID
}

// Unbind discards inbound events for every session
func (s *Streamer) Unbind() {
	s.Bind("")
}

// BoundSession returns the session inbound events are scoped to
func (s *Streamer) BoundSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// Listen subscribes sink to the inbound transcription events of the bound
// session. Malformed events and events of any other session are dropped.
func (s *Streamer) Listen(sink EventSink) func() {
	if !s.config.Enabled || s.channel == nil {
		return func() {}
	}

	unsubscribe := []func(){
		s.channel.Subscribe(EventTranscriptionChunk, func(data json.RawMessage) {
			var p TranscriptionChunkPayload
			if s.accept(EventTranscriptionChunk, data, &p, func() string { return p.SessionID }) {
				sink.PartialTranscription(p.SessionID, p.Transcription)
			}
		}),
		s.channel.Subscribe(EventTranscriptionComplete, func(data json.RawMessage) {
			var p TranscriptionCompletePayload
			if s.accept(EventTranscriptionComplete, data, &p, func() string { return p.SessionID }) {
				sink.StreamingCompleted(p.SessionID)
			}
		}),
		s.channel.Subscribe(EventTranscriptionError, func(data json.RawMessage) {
			var p TranscriptionErrorPayload
			if s.accept(EventTranscriptionError, data, &p, func() string { return p.SessionID }) {
				sink.StreamingFailed(p.SessionID, p.Error)
			}
		}),
	}

	return func() {
		for _, u := range unsubscribe {
			u()
		}
	}
}

// accept decodes data into v and checks the decoded session id against the
// bound session
func (s *Streamer) accept(event string, data json.RawMessage, v any, sessionID func() string) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.discard(event, "", "malformed")
		return false
	}

	id := sessionID()
	bound := s.BoundSession()
	if bound == "" || id != bound {
		s.discard(event, id, "session mismatch")
		return false
	}

	s.metrics.RecordEventReceived(event, "accepted")
	return true
}

func (s *Streamer) discard(event, sessionID, reason string) {
	s.mu.Lock()
	s.discarded++
	s.mu.Unlock()

	s.metrics.RecordEventReceived(event, "discarded")
	s.logger.Debug("Discarding inbound event",
		slog.String("event", event),
		slog.String("session_id", sessionID),
		slog.String("reason", reason))
}

// GetStats returns current streamer statistics
func (s *Streamer) GetStats() StreamerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	connected := s.channel != nil && s.channel.Connected()

	return StreamerStats{
		Enabled:      s.config.Enabled,
		Connected:    connected,
		BoundSession: s.bound,
		Queued:       len(s.outbox),
		Sent:         s.sent,
		Failed:       s.failed,
		Discarded:    s.discarded,
	}
}
