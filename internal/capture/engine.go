package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/vad"
)

// readerDrainTimeout bounds how long End waits for a closed stream to drain
const readerDrainTimeout = 2 * time.Second

// ChunkForwarder receives every emitted chunk; Send must not block
type ChunkForwarder interface {
	Send(chunk audio.AudioChunk)
}

// Listener observes a running capture session. Callbacks run on engine
// goroutines and must return promptly.
type Listener interface {
	LevelChanged(level float64)
	// CaptureFailed is called when the stream ends without End being called
	CaptureFailed(sessionID string, err error)
}

// Config contains capture engine configuration
type Config struct {
	Constraints   Constraints
	ChunkDuration time.Duration // periodic flush interval when RealTime is set
	RealTime      bool          // flush periodically, otherwise only on End
	LevelInterval time.Duration
	FFTSize       int
	VAD           *vad.Processor   // optional
	Metrics       *metrics.Metrics // optional
}

// Session identifies one capture session
type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	SampleRate int       `json:"sample_rate"`
}

// Recording is the complete audio of an ended session
type Recording struct {
	SessionID  string
	StartedAt  time.Time
	EndedAt    time.Time
	SampleRate int
	Chunks     []audio.AudioChunk
	Audio      []byte // chunk payloads concatenated in sequence order
}

// Duration returns the captured audio duration
func (r *Recording) Duration() time.Duration {
	return audio.SamplesDuration(len(r.Audio)/2, r.SampleRate)
}

// Engine runs at most one capture session at a time
type Engine struct {
	config  Config
	device  Device
	forward ChunkForwarder
	logger  *slog.Logger

	active *activeSession
	mu     sync.Mutex
}

// activeSession holds the handles owned by one running session
type activeSession struct {
	session  Session
	stream   Stream
	chunker  *audio.Chunker
	buffer   *audio.Buffer
	sampler  *Sampler
	listener Listener

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	readerDone chan struct{}
	stopping   atomic.Bool

	flushMu sync.Mutex
	sealed  bool
}

// NewEngine creates a capture engine; forward may be nil
func NewEngine(config Config, device Device, forward ChunkForwarder, logger *slog.Logger) (*Engine, error) {
	if device == nil {
		return nil, fmt.Errorf("capture device is required")
	}

	if err := config.Constraints.Validate(); err != nil {
		return nil, err
	}

	if config.RealTime && config.ChunkDuration <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %v", config.ChunkDuration)
	}

	if config.LevelInterval <= 0 {
		return nil, fmt.Errorf("level interval must be positive, got %v", config.LevelInterval)
	}

	if config.FFTSize < 32 || config.FFTSize&(config.FFTSize-1) != 0 {
		return nil, fmt.Errorf("fft size must be a power of two >= 32, got %d", config.FFTSize)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		config:  config,
		device:  device,
		forward: forward,
		logger:  logger,
	}, nil
}

// Begin acquires the input stream and starts a new session
func (e *Engine) Begin(ctx context.Context, l Listener) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return nil, ErrAlreadyRecording
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	stream, err := e.device.Open(ctx, e.config.Constraints)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio input: %w", err)
	}

	// Release the stream on every path that does not hand it to a session
	acquired := true
	defer func() {
		if acquired {
			e.closeStream(stream, id.String())
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture start cancelled: %w", err)
	}

	if l == nil {
		l = nopListener{}
	}

	if e.config.VAD != nil {
		e.config.VAD.Reset()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	as := &activeSession{
		session: Session{
			ID:         id.String(),
			StartedAt:  time.Now(),
			SampleRate: e.config.Constraints.SampleRate,
		},
		stream: stream,
		chunker: audio.NewChunker(id.String(), audio.ChunkingConfig{
			SampleRate: e.config.Constraints.SampleRate,
			VAD:        e.config.VAD,
		}),
		buffer:     audio.NewBuffer(id.String()),
		sampler:    NewSampler(e.config.FFTSize),
		listener:   l,
		cancel:     cancel,
		readerDone: make(chan struct{}),
	}

	go e.readLoop(as)

	as.wg.Add(1)
	go e.levelLoop(runCtx, as)

	if e.config.RealTime {
		as.wg.Add(1)
		go e.flushLoop(runCtx, as)
	}

	e.active = as
	acquired = false

	e.logger.Info("Capture session started",
		slog.String("session_id", as.session.ID),
		slog.Int("sample_rate", as.session.SampleRate),
		slog.Bool("real_time", e.config.RealTime),
		slog.Duration("chunk_duration", e.config.ChunkDuration))

	session := as.session
	return &session, nil
}

// Flush emits the audio captured since the previous flush as a chunk
func (e *Engine) Flush() (*audio.AudioChunk, bool) {
	e.mu.Lock()
	as := e.active
	e.mu.Unlock()

	if as == nil {
		return nil, false
	}
	return e.flush(as, time.Now(), false)
}

// End stops the session: timers and the sampler are cancelled, the stream is
// released, the remaining audio is flushed and the recording is assembled.
// No chunk is emitted after End returns.
func (e *Engine) End() (*Recording, error) {
	e.mu.Lock()
	as := e.active
	e.active = nil
	e.mu.Unlock()

	if as == nil {
		return nil, ErrNotRecording
	}

	as.stopping.Store(true)
	as.cancel()
	as.wg.Wait()

	e.closeStream(as.stream, as.session.ID)

	select {
	case <-as.readerDone:
	case <-time.After(readerDrainTimeout):
		e.logger.Warn("Audio stream did not drain after close",
			slog.String("session_id", as.session.ID))
	}

	e.flush(as, time.Now(), true)

	// The buffer only accepts gap-free sequences, so its payloads are the recording
	recording := &Recording{
		SessionID:  as.session.ID,
		StartedAt:  as.session.StartedAt,
		EndedAt:    time.Now(),
		SampleRate: as.session.SampleRate,
		Chunks:     as.buffer.Chunks(),
		Audio:      as.buffer.Concat(),
	}

	e.logger.Info("Capture session ended",
		slog.String("session_id", recording.SessionID),
		slog.Int("chunks", as.buffer.Len()),
		slog.Int("bytes", as.buffer.Size()),
		slog.Duration("audio_duration", recording.Duration()))

	return recording, nil
}

// Active reports whether a session is running
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// SessionID returns the running session id, or "" when idle
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.session.ID
}

// EngineStats represents capture engine statistics for monitoring
type EngineStats struct {
	Active       bool                `json:"active"`
	SessionID    string              `json:"session_id,omitempty"`
	NextSequence uint64              `json:"next_sequence"`
	PendingAudio bool                `json:"pending_audio"`
	Chunker      *audio.ChunkerStats `json:"chunker,omitempty"`
	Buffer       *audio.BufferStats  `json:"buffer,omitempty"`
	VAD          *vad.ProcessorStats `json:"vad,omitempty"`
}

// GetStats returns the state of the running session, if any, and the VAD
// counters
func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	as := e.active
	e.mu.Unlock()

	var stats EngineStats
	if as != nil {
		chunkerStats := as.chunker.GetStats()
		bufferStats := as.buffer.GetStats()

		stats.Active = true
		stats.SessionID = as.session.ID
		stats.NextSequence = as.chunker.NextSequence()
		stats.PendingAudio = as.chunker.HasPendingChunk()
		stats.Chunker = &chunkerStats
		stats.Buffer = &bufferStats
	}

	if e.config.VAD != nil {
		vadStats := e.config.VAD.GetStats()
		stats.VAD = &vadStats
	}

	return stats
}

// flush turns pending audio into the next chunk. The final flush seals the
// session so later flush requests are ignored.
func (e *Engine) flush(as *activeSession, now time.Time, final bool) (*audio.AudioChunk, bool) {
	as.flushMu.Lock()
	defer as.flushMu.Unlock()

	if as.sealed {
		return nil, false
	}
	if final {
		as.sealed = true
		defer as.chunker.Close()
	}

	chunk, ok := as.chunker.Flush(now)
	if !ok {
		return nil, false
	}

	if err := as.buffer.Append(*chunk); err != nil {
		e.logger.Error("Failed to buffer chunk",
			slog.String("session_id", as.session.ID),
			slog.Uint64("sequence", chunk.Sequence),
			slog.String("error", err.Error()))
		return nil, false
	}

	e.config.Metrics.RecordChunkGenerated(chunk.Duration.Seconds(), len(chunk.Payload), float64(chunk.SpeechProbability))

	e.logger.Debug("Chunk emitted",
		slog.String("session_id", chunk.SessionID),
		slog.Uint64("sequence", chunk.Sequence),
		slog.Int("bytes", len(chunk.Payload)),
		slog.Bool("final", final))

	if e.forward != nil {
		e.forward.Send(*chunk)
	}

	return chunk, true
}

// readLoop feeds captured frames to the chunker and the sampler until the
// stream's frame channel closes
func (e *Engine) readLoop(as *activeSession) {
	defer close(as.readerDone)

	for frame := range as.stream.Frames() {
		as.chunker.Write(frame)
		as.sampler.Push(frame)
	}

	if as.stopping.Load() {
		return
	}

	err := as.stream.Err()
	if err == nil {
		err = ErrStreamEnded
	}

	e.logger.Error("Audio stream ended during capture",
		slog.String("session_id", as.session.ID),
		slog.String("error", err.Error()))

	as.listener.CaptureFailed(as.session.ID, err)
}

func (e *Engine) flushLoop(ctx context.Context, as *activeSession) {
	defer as.wg.Done()

	ticker := time.NewTicker(e.config.ChunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.flush(as, now, false)
		}
	}
}

func (e *Engine) levelLoop(ctx context.Context, as *activeSession) {
	defer as.wg.Done()

	ticker := time.NewTicker(e.config.LevelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			as.listener.LevelChanged(as.sampler.Level())
		}
	}
}

// closeStream releases a stream; failures are logged and swallowed
func (e *Engine) closeStream(stream Stream, sessionID string) {
	if err := stream.Close(); err != nil {
		e.logger.Warn("Failed to close audio stream",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

type nopListener struct{}

func (nopListener) LevelChanged(float64)        {}
func (nopListener) CaptureFailed(string, error) {}
