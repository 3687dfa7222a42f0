package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSequenceGap is returned when a chunk skips one or more sequence numbers
	ErrSequenceGap = errors.New("sequence gap")
	// ErrSequenceDuplicate is returned for a chunk at or below the last sequence
	ErrSequenceDuplicate = errors.New("duplicate or out-of-order sequence")
	// ErrSessionMismatch is returned for a chunk of another session
	ErrSessionMismatch = errors.New("chunk belongs to another session")
)

// Buffer retains the chunks of one session in sequence order until the
// recording stops and the complete audio is assembled
type Buffer struct {
	sessionID  string
	chunks     []AudioChunk
	nextSeq    uint64
	totalBytes int
	lastUpdate time.Time

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SessionID    string        `json:"session_id"`
	Chunks       int           `json:"chunks"`
	TotalBytes   int           `json:"total_bytes"`
	Duration     time.Duration `json:"duration"`
	NextSequence uint64        `json:"next_sequence"`
	LastUpdate   time.Time     `json:"last_update"`
}

// NewBuffer creates an empty chunk buffer for a session
func NewBuffer(sessionID string) *Buffer {
	return &Buffer{
		sessionID:  sessionID,
		chunks:     make([]AudioChunk, 0, 16),
		lastUpdate: time.Now(),
	}
}

// Append adds the next chunk; sequences must be gap-free from 0
func (b *Buffer) Append(chunk AudioChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if chunk.SessionID != b.sessionID {
		return fmt.Errorf("%w: got %q, want %q", ErrSessionMismatch, chunk.SessionID, b.sessionID)
	}

	switch {
	case chunk.Sequence < b.nextSeq:
		return fmt.Errorf("%w: seq=%d, expected=%d", ErrSequenceDuplicate, chunk.Sequence, b.nextSeq)
	case chunk.Sequence > b.nextSeq:
		return fmt.Errorf("%w: seq=%d, expected=%d", ErrSequenceGap, chunk.Sequence, b.nextSeq)
	}

	b.chunks = append(b.chunks, chunk)
	b.nextSeq++
	b.totalBytes += len(chunk.Payload)
	b.lastUpdate = time.Now()

	return nil
}

// Chunks returns a copy of the buffered chunks in sequence order
func (b *Buffer) Chunks() []AudioChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]AudioChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Concat returns the buffered payloads joined in sequence order
func (b *Buffer) Concat() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, 0, b.totalBytes)
	for _, chunk := range b.chunks {
		out = append(out, chunk.Payload...)
	}
	return out
}

// Len returns the number of buffered chunks
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Size returns the number of buffered payload bytes
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalBytes
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var duration time.Duration
	for _, chunk := range b.chunks {
		duration += chunk.Duration
	}

	return BufferStats{
		SessionID:    b.sessionID,
		Chunks:       len(b.chunks),
		TotalBytes:   b.totalBytes,
		Duration:     duration,
		NextSequence: b.nextSeq,
		LastUpdate:   b.lastUpdate,
	}
}
