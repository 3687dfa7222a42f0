//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// paFramesPerBuffer is 20ms at 16 kHz
const paFramesPerBuffer = 320

// PortAudioDevice captures from the default input device
type PortAudioDevice struct {
	logger *slog.Logger
}

// NewPortAudioDevice creates the default microphone device
func NewPortAudioDevice(logger *slog.Logger) *PortAudioDevice {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAudioDevice{logger: logger}
}

// Open initializes PortAudio and starts a blocking-read input stream
func (d *PortAudioDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	framesPerBuffer := paFramesPerBuffer * c.SampleRate / 16000
	if framesPerBuffer <= 0 {
		framesPerBuffer = paFramesPerBuffer
	}
	buf := make([]int16, framesPerBuffer)

	stream, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyPortAudioError(err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classifyPortAudioError(err)
	}

	// Voice processing flags have no PortAudio equivalent
	d.logger.Debug("PortAudio input stream started",
		slog.Int("sample_rate", c.SampleRate),
		slog.Int("frames_per_buffer", framesPerBuffer),
		slog.Bool("echo_cancellation", c.EchoCancellation),
		slog.Bool("noise_suppression", c.NoiseSuppression),
		slog.Bool("auto_gain_control", c.AutoGainControl))

	s := &paStream{
		stream: stream,
		buf:    buf,
		frames: make(chan []int16, 16),
		done:   make(chan struct{}),
		logger: d.logger,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

func classifyPortAudioError(err error) error {
	switch {
	case errors.Is(err, portaudio.InvalidSampleRate), errors.Is(err, portaudio.InvalidChannelCount):
		return fmt.Errorf("%w: %v", ErrUnsupportedConstraints, err)
	case errors.Is(err, portaudio.DeviceUnavailable):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

type paStream struct {
	stream *portaudio.Stream
	buf    []int16
	frames chan []int16
	done   chan struct{}
	logger *slog.Logger

	err      error
	errMu    sync.Mutex
	wg       sync.WaitGroup
	once     sync.Once
	closeErr error
}

func (s *paStream) run() {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.logger.Warn("PortAudio input overflowed")
				continue
			}
			s.errMu.Lock()
			s.err = classifyPortAudioError(err)
			s.errMu.Unlock()
			return
		}

		frame := make([]int16, len(s.buf))
		copy(frame, s.buf)

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *paStream) Frames() <-chan []int16 {
	return s.frames
}

func (s *paStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *paStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()

		if err := s.stream.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		if err := portaudio.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
