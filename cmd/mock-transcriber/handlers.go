package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/streaming"
)

const maxUpload = 32 << 20

// transcriptionResponse is the /transcribe success body
type transcriptionResponse struct {
	Transcription string  `json:"transcription"`
	Language      string  `json:"language"`
	Confidence    float64 `json:"confidence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// mockOptions control the canned behaviour
type mockOptions struct {
	Text    string
	Delay   time.Duration
	Fail    string // when set, /transcribe answers 500 with this error
	Partial bool   // acknowledge audio chunks with partial transcriptions
}

type mockTranscriber struct {
	options  mockOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	requests atomic.Uint64
}

func newMockTranscriber(options mockOptions, logger *slog.Logger) *mockTranscriber {
	return &mockTranscriber{
		options: options,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (m *mockTranscriber) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", m.handleTranscribe)
	mux.HandleFunc("/ws", m.handleStream)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleTranscribe accepts a multipart recording and returns a canned text
func (m *mockTranscriber) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "error parsing form"})
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing audio file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "error reading audio file"})
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid WAV audio: %v", err)})
		return
	}

	language := r.FormValue("language")
	n := m.requests.Add(1)

	m.logger.Info("Transcription request received",
		slog.Uint64("request", n),
		slog.String("session_id", r.FormValue("sessionId")),
		slog.String("filename", header.Filename),
		slog.Int("bytes", len(data)),
		slog.Int("sample_rate", info.SampleRate),
		slog.Duration("duration", info.Duration),
		slog.String("language", language))

	if m.options.Delay > 0 {
		select {
		case <-time.After(m.options.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if m.options.Fail != "" {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: m.options.Fail})
		return
	}

	writeJSON(w, http.StatusOK, transcriptionResponse{
		Transcription: m.options.Text,
		Language:      language,
		Confidence:    0.95,
	})
}

// handleStream serves the real-time channel: every audioChunk is answered
// with a transcriptionChunk and audioComplete with transcriptionComplete
func (m *mockTranscriber) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	m.logger.Info("Streaming client connected", slog.String("remote", r.RemoteAddr))

	received := make(map[string]int)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.logger.Info("Streaming client disconnected", slog.String("remote", r.RemoteAddr))
			return
		}

		env, err := streaming.DecodeEnvelope(message)
		if err != nil {
			m.logger.Debug("Discarding malformed frame", slog.String("error", err.Error()))
			continue
		}

		reply, err := m.respond(env, received)
		if err != nil {
			m.logger.Debug("Discarding event", slog.String("event", env.Event), slog.String("error", err.Error()))
			continue
		}
		if reply == nil {
			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

// respond builds the reply frame for one inbound event; nil means no reply
func (m *mockTranscriber) respond(env *streaming.Envelope, received map[string]int) ([]byte, error) {
	switch env.Event {
	case streaming.EventAudioChunk:
		var p streaming.AudioChunkPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		chunk, err := p.Decode()
		if err != nil {
			return nil, err
		}
		received[p.SessionID]++

		if !m.options.Partial {
			return nil, nil
		}
		return streaming.EncodeEnvelope(streaming.EventTranscriptionChunk, streaming.TranscriptionChunkPayload{
			SessionID:     p.SessionID,
			Transcription: fmt.Sprintf("%s (%d chunks, %d bytes)", m.options.Text, received[p.SessionID], len(chunk.Payload)),
		})

	case streaming.EventAudioComplete:
		var p streaming.AudioCompletePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		m.logger.Info("Streaming session complete",
			slog.String("session_id", p.SessionID),
			slog.Int("chunks", received[p.SessionID]))
		delete(received, p.SessionID)

		return streaming.EncodeEnvelope(streaming.EventTranscriptionComplete, streaming.TranscriptionCompletePayload{
			SessionID: p.SessionID,
		})
	}

	return nil, fmt.Errorf("unexpected event")
}
