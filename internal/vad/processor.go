package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// fullScaleRMS is the RMS treated as certain speech
const fullScaleRMS = 10000.0

// Processor estimates voice activity from short-term signal energy
type Processor struct {
	threshold  float32
	windowSize int // Samples per window (512 = 32ms at 16kHz)
	sampleRate int
	noiseFloor float64 // RMS below which a window counts as silence

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastResult    float32
	lastProcessed time.Time

	mu sync.RWMutex
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProbability float32   `json:"last_probability"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(threshold float32, windowSize int, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
		noiseFloor: 200,
	}, nil
}

// Analyze splits samples into windows and returns their mean voice
// probability. A trailing partial window is analyzed as is.
func (p *Processor) Analyze(samples []int16) float32 {
	if len(samples) == 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var sum float64
	windows := 0
	for start := 0; start < len(samples); start += p.windowSize {
		end := start + p.windowSize
		if end > len(samples) {
			end = len(samples)
		}
		probability := p.windowProbability(samples[start:end])
		p.record(probability)
		sum += float64(probability)
		windows++
	}

	return float32(sum / float64(windows))
}

// windowProbability maps window RMS above the noise floor onto [0,1]
func (p *Processor) windowProbability(samples []int16) float32 {
	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(energy / float64(len(samples)))

	if rms <= p.noiseFloor {
		return 0
	}

	probability := (rms - p.noiseFloor) / (fullScaleRMS - p.noiseFloor)
	if probability > 1 {
		probability = 1
	}
	return float32(probability)
}

// record must be called with p.mu held
func (p *Processor) record(probability float32) {
	p.totalWindows++
	if probability >= p.threshold && probability > 0 {
		p.voiceWindows++
	}
	p.lastResult = probability
	p.lastProcessed = time.Now()
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProbability: p.lastResult,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// Reset resets the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastResult = 0
	p.lastProcessed = time.Time{}
}
