package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVInfo describes a decoded WAV payload
type WAVInfo struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	Duration      time.Duration `json:"duration"`
}

// EncodeWAV wraps mono PCM-16 little-endian bytes in a WAV container
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	samples, err := BytesToInt16(pcm)
	if err != nil {
		return nil, err
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	out := &writeSeeker{}
	encoder := wav.NewEncoder(out, sampleRate, 16, 1, 1)

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize WAV container: %w", err)
	}

	return out.Bytes(), nil
}

// DecodeWAV decodes a mono 16-bit WAV payload into samples and its sample rate
func DecodeWAV(data []byte) ([]int16, int, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid WAV file")
	}

	if decoder.BitDepth != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", decoder.BitDepth)
	}

	if decoder.NumChans != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", decoder.NumChans)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	if len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}

	return samples, int(decoder.SampleRate), nil
}

// GetWAVInfo extracts metadata from a WAV payload
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}

	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to locate PCM data: %w", err)
	}

	info := &WAVInfo{
		SampleRate:    int(decoder.SampleRate),
		Channels:      int(decoder.NumChans),
		BitsPerSample: int(decoder.BitDepth),
	}
	if frameSize := info.Channels * info.BitsPerSample / 8; frameSize > 0 {
		info.Duration = SamplesDuration(decoder.PCMSize/frameSize, info.SampleRate)
	}

	return info, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes on Close
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:end], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(w.pos)
	case io.SeekEnd:
		base = int64(len(w.buf))
	default:
		return 0, errors.New("invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(next)
	return next, nil
}

func (w *writeSeeker) Bytes() []byte {
	return w.buf
}
