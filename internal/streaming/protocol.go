package streaming

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skypro1111/voice-session-service/internal/audio"
)

// Event names on the streaming channel
const (
	// Outbound
	EventAudioChunk    = "audioChunk"
	EventAudioComplete = "audioComplete"

	// Inbound
	EventTranscriptionChunk    = "transcriptionChunk"
	EventTranscriptionComplete = "transcriptionComplete"
	EventTranscriptionError    = "transcriptionError"
)

// Envelope is the JSON frame carrying one event
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// AudioChunkPayload is the outbound audioChunk body
type AudioChunkPayload struct {
	AudioData string `json:"audioData"` // base64 PCM-16
	SessionID string `json:"sessionId"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// AudioCompletePayload is the outbound audioComplete body
type AudioCompletePayload struct {
	SessionID string `json:"sessionId"`
}

// TranscriptionChunkPayload is the inbound partial transcription
type TranscriptionChunkPayload struct {
	SessionID     string `json:"sessionId"`
	Transcription string `json:"transcription"`
}

// TranscriptionCompletePayload signals the remote streaming session closed
type TranscriptionCompletePayload struct {
	SessionID string `json:"sessionId"`
}

// TranscriptionErrorPayload is a remote-reported streaming error
type TranscriptionErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// NewAudioChunkPayload encodes a chunk for transmission
func NewAudioChunkPayload(chunk audio.AudioChunk) AudioChunkPayload {
	return AudioChunkPayload{
		AudioData: base64.StdEncoding.EncodeToString(chunk.Payload),
		SessionID: chunk.SessionID,
		Sequence:  chunk.Sequence,
		Timestamp: chunk.CapturedAt.UnixMilli(),
	}
}

// Decode reverses NewAudioChunkPayload
func (p AudioChunkPayload) Decode() (audio.AudioChunk, error) {
	data, err := base64.StdEncoding.DecodeString(p.AudioData)
	if err != nil {
		return audio.AudioChunk{}, fmt.Errorf("invalid audioData: %w", err)
	}
	return audio.AudioChunk{
		SessionID:  p.SessionID,
		Sequence:   p.Sequence,
		Payload:    data,
		CapturedAt: time.UnixMilli(p.Timestamp),
	}, nil
}

// EncodeEnvelope marshals an event and its payload into one frame
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// DecodeEnvelope parses a frame; the payload stays raw for the subscriber
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("malformed envelope: missing event name")
	}
	return &env, nil
}
