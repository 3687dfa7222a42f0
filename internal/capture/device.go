package capture

import (
	"context"
	"fmt"
)

// Constraints are the input stream parameters requested from a device
type Constraints struct {
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

// DefaultConstraints returns 16 kHz mono with all voice processing enabled
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       16000,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Validate checks the constraints a capture session can work with
func (c Constraints) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrUnsupportedConstraints, c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("%w: only mono capture is supported, got %d channels", ErrUnsupportedConstraints, c.Channels)
	}
	return nil
}

// Device acquires audio input streams
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is one acquired audio input
type Stream interface {
	// Frames delivers mono PCM-16 frames and is closed when the stream ends
	Frames() <-chan []int16
	// Err reports why the stream ended, nil after a normal Close
	Err() error
	// Close releases the device; Frames is closed afterwards
	Close() error
}
