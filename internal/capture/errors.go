package capture

import "errors"

var (
	ErrPermissionDenied       = errors.New("microphone permission denied")
	ErrPermissionRevoked      = errors.New("microphone permission revoked")
	ErrDeviceBusy             = errors.New("audio device busy")
	ErrUnsupportedConstraints = errors.New("unsupported audio constraints")
	ErrDeviceUnavailable      = errors.New("audio device unavailable")
	ErrStreamEnded            = errors.New("audio stream ended unexpectedly")
	ErrNotRecording           = errors.New("no active capture session")
	ErrAlreadyRecording       = errors.New("capture session already active")
)
