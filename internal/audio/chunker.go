package audio

import (
	"sync"
	"time"

	"github.com/skypro1111/voice-session-service/internal/vad"
)

// AudioChunk represents one recorder flush of a capture session
type AudioChunk struct {
	SessionID         string        `json:"session_id"`
	Sequence          uint64        `json:"sequence"`
	Payload           []byte        `json:"-"` // PCM-16 little-endian
	CapturedAt        time.Time     `json:"captured_at"`
	Duration          time.Duration `json:"duration"`
	SpeechProbability float32       `json:"speech_probability"`
}

// ChunkingConfig contains configuration for the chunking process
type ChunkingConfig struct {
	SampleRate int
	VAD        *vad.Processor // optional, annotates chunks with speech probability
}

// Chunker accumulates PCM between flushes and turns each non-empty flush into
// an AudioChunk carrying the next sequence number of its session
type Chunker struct {
	config    ChunkingConfig
	sessionID string

	pending []int16
	nextSeq uint64
	closed  bool

	// Statistics
	chunksCreated uint64
	totalDuration time.Duration
	totalBytes    uint64

	mu sync.Mutex
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	SessionID     string        `json:"session_id"`
	ChunksCreated uint64        `json:"chunks_created"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalBytes    uint64        `json:"total_bytes"`
	PendingBytes  int           `json:"pending_bytes"`
	NextSequence  uint64        `json:"next_sequence"`
	Closed        bool          `json:"closed"`
}

// NewChunker creates a chunker for one session; sequences start at 0
func NewChunker(sessionID string, config ChunkingConfig) *Chunker {
	return &Chunker{
		config:    config,
		sessionID: sessionID,
	}
}

// Write appends captured samples to the pending chunk
func (c *Chunker) Write(samples []int16) {
	if len(samples) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.pending = append(c.pending, samples...)
}

// Flush finalizes the pending samples into a chunk. It returns false when
// nothing was pending or the chunker is closed.
func (c *Chunker) Flush(now time.Time) (*AudioChunk, bool) {
	c.mu.Lock()
	if c.closed || len(c.pending) == 0 {
		c.mu.Unlock()
		return nil, false
	}

	samples := c.pending
	c.pending = nil

	chunk := &AudioChunk{
		SessionID:  c.sessionID,
		Sequence:   c.nextSeq,
		Payload:    Int16ToBytes(samples),
		CapturedAt: now,
		Duration:   SamplesDuration(len(samples), c.config.SampleRate),
	}
	c.nextSeq++
	c.chunksCreated++
	c.totalDuration += chunk.Duration
	c.totalBytes += uint64(len(chunk.Payload))
	c.mu.Unlock()

	if c.config.VAD != nil {
		chunk.SpeechProbability = c.config.VAD.Analyze(samples)
	}

	return chunk, true
}

// Close stops the chunker; later writes and flushes are ignored
func (c *Chunker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
}

// HasPendingChunk reports whether a flush would produce a chunk
func (c *Chunker) HasPendingChunk() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && len(c.pending) > 0
}

// NextSequence returns the sequence number the next chunk will carry
func (c *Chunker) NextSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ChunkerStats{
		SessionID:     c.sessionID,
		ChunksCreated: c.chunksCreated,
		TotalDuration: c.totalDuration,
		TotalBytes:    c.totalBytes,
		PendingBytes:  len(c.pending) * 2,
		NextSequence:  c.nextSeq,
		Closed:        c.closed,
	}
}
