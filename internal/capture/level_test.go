package capture

import (
	"math"
	"testing"
)

func sineFrame(n int, freq float64, amplitude float64, sampleRate int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return frame
}

func TestLevel(t *testing.T) {
	if level := Level(make([]int16, 256)); level != 0 {
		t.Errorf("Expected silence level 0, got %f", level)
	}

	if level := Level(nil); level != 0 {
		t.Errorf("Expected 0 for empty input, got %f", level)
	}

	loud := Level(sineFrame(256, 1000, 16000, 16000))
	quiet := Level(sineFrame(256, 1000, 100, 16000))

	if loud <= 0 || loud > 1 {
		t.Errorf("Loud level out of range: %f", loud)
	}
	if quiet < 0 || quiet > 1 {
		t.Errorf("Quiet level out of range: %f", quiet)
	}
	if loud <= quiet {
		t.Errorf("Expected loud (%f) > quiet (%f)", loud, quiet)
	}
}

func TestSamplerKeepsLatestWindow(t *testing.T) {
	sampler := NewSampler(256)

	if level := sampler.Level(); level != 0 {
		t.Errorf("Expected 0 before any audio, got %f", level)
	}

	sampler.Push(sineFrame(256, 1000, 16000, 16000))
	if level := sampler.Level(); level <= 0 {
		t.Errorf("Expected positive level, got %f", level)
	}

	// A full window of silence displaces the tone
	sampler.Push(make([]int16, 128))
	sampler.Push(make([]int16, 128))
	if level := sampler.Level(); level != 0 {
		t.Errorf("Expected 0 after silence, got %f", level)
	}

	// Oversized pushes keep only the tail
	frame := append(sineFrame(256, 1000, 16000, 16000), make([]int16, 256)...)
	sampler.Push(frame)
	if level := sampler.Level(); level != 0 {
		t.Errorf("Expected 0 when the tail is silent, got %f", level)
	}
}
