package vad

import (
	"sync"
	"testing"
)

func constantSamples(n int, value int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float32
		windowSize int
		sampleRate int
		expectErr  bool
	}{
		{"valid parameters", 0.5, 512, 16000, false},
		{"threshold too low", -0.1, 512, 16000, true},
		{"threshold too high", 1.1, 512, 16000, true},
		{"zero window size", 0.5, 0, 16000, true},
		{"negative sample rate", 0.5, 512, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.windowSize, tt.sampleRate)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestVoiceActivityDetection(t *testing.T) {
	tests := []struct {
		name        string
		samples     []int16
		expectVoice bool
	}{
		{"silence", make([]int16, 512), false},
		{"low energy", constantSamples(512, 100), false},
		{"high energy", constantSamples(512, 8000), true},
		{"full scale", constantSamples(512, 32767), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor, err := NewProcessor(0.5, 512, 16000)
			if err != nil {
				t.Fatalf("Failed to create processor: %v", err)
			}

			probability := processor.Analyze(tt.samples)
			if probability < 0 || probability > 1 {
				t.Errorf("Invalid probability: %f", probability)
			}

			stats := processor.GetStats()
			if hasVoice := stats.VoiceWindows == 1; hasVoice != tt.expectVoice {
				t.Errorf("Expected hasVoice=%v, got %v (probability=%.3f)", tt.expectVoice, hasVoice, probability)
			}
			if stats.LastProbability != probability {
				t.Errorf("Expected last probability %f, got %f", probability, stats.LastProbability)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	processor, err := NewProcessor(0.5, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if got := processor.Analyze(nil); got != 0 {
		t.Errorf("Expected 0 for empty input, got %f", got)
	}

	if got := processor.Analyze(make([]int16, 1600)); got != 0 {
		t.Errorf("Expected 0 for silence, got %f", got)
	}

	loud := processor.Analyze(constantSamples(1600, 32767))
	if loud != 1 {
		t.Errorf("Expected 1 for full-scale input, got %f", loud)
	}

	// Half silence, half full scale
	mixed := append(make([]int16, 1024), constantSamples(1024, 32767)...)
	got := processor.Analyze(mixed)
	if got < 0.49 || got > 0.51 {
		t.Errorf("Expected ~0.5 for mixed input, got %f", got)
	}

	// 1600 samples = 3 full windows + 1 partial, twice, plus 4 mixed windows
	stats := processor.GetStats()
	if stats.TotalWindows != 12 {
		t.Errorf("Expected 12 windows, got %d", stats.TotalWindows)
	}
}

func TestProcessorStats(t *testing.T) {
	processor, err := NewProcessor(0.6, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	voice := constantSamples(512, 12000)
	silence := make([]int16, 512)

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			processor.Analyze(voice)
		} else {
			processor.Analyze(silence)
		}
	}

	stats := processor.GetStats()
	if stats.TotalWindows != 10 {
		t.Errorf("Expected 10 total windows, got %d", stats.TotalWindows)
	}
	if stats.VoiceWindows != 5 {
		t.Errorf("Expected 5 voice windows, got %d", stats.VoiceWindows)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}
	if stats.Threshold != 0.6 {
		t.Errorf("Expected threshold 0.6, got %f", stats.Threshold)
	}
	if stats.LastProcessed.IsZero() {
		t.Error("Expected non-zero last processed time")
	}
}

func TestProcessorReset(t *testing.T) {
	processor, err := NewProcessor(0.5, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	processor.Analyze(make([]int16, 1024))

	if processor.GetStats().TotalWindows == 0 {
		t.Fatal("Expected some windows processed before reset")
	}

	processor.Reset()

	stats := processor.GetStats()
	if stats.TotalWindows != 0 || stats.VoiceWindows != 0 {
		t.Errorf("Expected zeroed counters after reset, got %+v", stats)
	}
	if !stats.LastProcessed.IsZero() {
		t.Error("Expected zero last processed time after reset")
	}
}

func TestConcurrentProcessing(t *testing.T) {
	processor, err := NewProcessor(0.5, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	const numGoroutines = 5
	const perGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			samples := constantSamples(512, int16(id*1000))
			for j := 0; j < perGoroutine; j++ {
				processor.Analyze(samples)
			}
		}(i)
	}
	wg.Wait()

	stats := processor.GetStats()
	if stats.TotalWindows != numGoroutines*perGoroutine {
		t.Errorf("Expected %d total windows, got %d", numGoroutines*perGoroutine, stats.TotalWindows)
	}
}
