package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/skypro1111/voice-session-service/internal/audio"
)

// wavFrameDuration is the pacing of WAV file playback
const wavFrameDuration = 20 * time.Millisecond

// WAVFileDevice plays a 16-bit mono WAV file as if it were a microphone.
// Without Loop the stream continues with silence after the file ends.
type WAVFileDevice struct {
	Path string
	Loop bool
}

// NewWAVFileDevice creates a device backed by the WAV file at path
func NewWAVFileDevice(path string, loop bool) *WAVFileDevice {
	return &WAVFileDevice{Path: path, Loop: loop}
}

// Open decodes the file and starts real-time playback
func (d *WAVFileDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	samples, sampleRate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedConstraints, d.Path, err)
	}

	if sampleRate != c.SampleRate {
		return nil, fmt.Errorf("%w: %s has sample rate %d, want %d",
			ErrUnsupportedConstraints, d.Path, sampleRate, c.SampleRate)
	}

	return newSampleStream(samples, sampleRate, d.Loop), nil
}

// sampleStream paces a sample slice out in fixed frames
type sampleStream struct {
	samples   []int16
	frameSize int
	loop      bool

	frames chan []int16
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newSampleStream(samples []int16, sampleRate int, loop bool) *sampleStream {
	frameSize := int(int64(sampleRate) * int64(wavFrameDuration) / int64(time.Second))
	if frameSize <= 0 {
		frameSize = 1
	}

	s := &sampleStream{
		samples:   samples,
		frameSize: frameSize,
		loop:      loop,
		frames:    make(chan []int16, 8),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *sampleStream) run() {
	defer s.wg.Done()
	defer close(s.frames)

	ticker := time.NewTicker(wavFrameDuration)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		frame := make([]int16, s.frameSize)
		if pos < len(s.samples) {
			n := copy(frame, s.samples[pos:])
			pos += n
			if pos >= len(s.samples) && s.loop {
				pos = 0
			}
		}

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *sampleStream) Frames() <-chan []int16 {
	return s.frames
}

func (s *sampleStream) Err() error {
	return nil
}

func (s *sampleStream) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}
