package capture

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Sampler keeps the most recent analysis window of captured audio and
// derives a normalized level from its spectrum
type Sampler struct {
	size int
	fft  *fourier.FFT

	ring []float64
	pos  int
	mu   sync.Mutex

	// scratch, only touched by Level
	seq     []float64
	coeffs  []complex128
	levelMu sync.Mutex
}

// NewSampler creates a sampler with an analysis window of size samples
func NewSampler(size int) *Sampler {
	return &Sampler{
		size: size,
		fft:  fourier.NewFFT(size),
		ring: make([]float64, size),
		seq:  make([]float64, size),
	}
}

// Push records captured samples into the analysis window
func (s *Sampler) Push(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(samples) > s.size {
		samples = samples[len(samples)-s.size:]
	}
	for _, v := range samples {
		s.ring[s.pos] = float64(v) / 32768.0
		s.pos = (s.pos + 1) % s.size
	}
}

// Level returns the average spectral level of the current window in [0,1]
func (s *Sampler) Level() float64 {
	s.levelMu.Lock()
	defer s.levelMu.Unlock()

	s.mu.Lock()
	n := copy(s.seq, s.ring[s.pos:])
	copy(s.seq[n:], s.ring[:s.pos])
	s.mu.Unlock()

	return s.spectrumLevel(s.seq)
}

// spectrumLevel windows seq in place, maps each bin magnitude from
// [minDecibels,maxDecibels] onto a byte and averages the bytes
func (s *Sampler) spectrumLevel(seq []float64) float64 {
	window.Blackman(seq)
	s.coeffs = s.fft.Coefficients(s.coeffs, seq)

	bins := s.size / 2
	var sum float64
	for k := 0; k < bins; k++ {
		magnitude := cmplx.Abs(s.coeffs[k]) / float64(s.size)
		if magnitude == 0 {
			continue
		}
		db := 20 * math.Log10(magnitude)
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		sum += math.Floor(math.Max(0, math.Min(255, scaled)))
	}

	return sum / float64(bins) / 255
}

// Level computes the spectral level of samples with an analysis window of
// len(samples)
func Level(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	s := NewSampler(len(samples))
	s.Push(samples)
	return s.Level()
}
