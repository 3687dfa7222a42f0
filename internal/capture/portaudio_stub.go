//go:build !portaudio

package capture

import (
	"context"
	"fmt"
	"log/slog"
)

// PortAudioDevice is unavailable in builds without the portaudio tag
type PortAudioDevice struct {
	logger *slog.Logger
}

// NewPortAudioDevice creates the default microphone device
func NewPortAudioDevice(logger *slog.Logger) *PortAudioDevice {
	return &PortAudioDevice{logger: logger}
}

// Open always fails; rebuild with -tags portaudio for microphone capture
func (d *PortAudioDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", ErrDeviceUnavailable)
}
