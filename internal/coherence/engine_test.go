package coherence

import (
	"math"
	"testing"
	"time"

	"github.com/resonate-labs/cohered/internal/model"
)

func sineSamples(freqHz float64, n int, start time.Time) []model.HRVSample {
	samples := make([]model.HRVSample, n)
	for i := range samples {
		samples[i] = model.HRVSample{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			MeanRR:    1000 * math.Sin(2*math.Pi*freqHz*float64(i)),
			HeartRate: 60,
		}
	}
	return samples
}

func constantSamples(meanRR float64, n int, start time.Time) []model.HRVSample {
	samples := make([]model.HRVSample, n)
	for i := range samples {
		samples[i] = model.HRVSample{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			MeanRR:    meanRR,
		}
	}
	return samples
}

func TestComputeRequiresMinWindow(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for _, n := range []int{0, 1, MinWindow - 1} {
		if _, ok := Compute(sineSamples(0.1, n, start), start); ok {
			t.Errorf("Compute with %d samples should report ok=false", n)
		}
	}
	if _, ok := Compute(sineSamples(0.1, MinWindow, start), start); !ok {
		t.Fatalf("Compute with %d samples should report ok=true", MinWindow)
	}
}

func TestComputeInBandSineScoresHigh(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	at := start.Add(time.Minute)

	// 0.1 Hz lands exactly on bin 6 at n=60, inside the 0.04-0.26 Hz band.
	reading, ok := Compute(sineSamples(0.1, 60, start), at)
	if !ok {
		t.Fatalf("expected reading for full window")
	}
	if reading.Score < 95 {
		t.Fatalf("in-band sine should score near 100, got %.2f", reading.Score)
	}
	if reading.Phase != model.PhaseHigh {
		t.Fatalf("expected high phase, got %s", reading.Phase)
	}
	if reading.PeakPower <= 0 || reading.TotalPower < reading.PeakPower {
		t.Fatalf("inconsistent band powers: peak=%v total=%v", reading.PeakPower, reading.TotalPower)
	}
	if !reading.Timestamp.Equal(at) {
		t.Fatalf("reading timestamp = %v, want %v", reading.Timestamp, at)
	}
}

func TestComputeOutOfBandSineScoresLow(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// 0.35 Hz (bin 21 at n=60) counts toward total power but not the
	// coherence band, so the ratio collapses.
	reading, ok := Compute(sineSamples(0.35, 60, start), start)
	if !ok {
		t.Fatalf("expected reading for full window")
	}
	if reading.Score > 5 {
		t.Fatalf("out-of-band sine should score near 0, got %.2f", reading.Score)
	}
	if reading.Phase != model.PhaseLow {
		t.Fatalf("expected low phase, got %s", reading.Phase)
	}
}

func TestComputeFlatSignalScoresZero(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// A constant R-R series has all power in the DC bin, which is inside
	// the total band but below the coherence band.
	reading, ok := Compute(constantSamples(900, 60, start), start)
	if !ok {
		t.Fatalf("expected reading for full window")
	}
	if reading.Score != 0 {
		t.Fatalf("flat signal should score 0, got %.4f", reading.Score)
	}
	if reading.TotalPower <= 0 {
		t.Fatalf("flat signal should still carry DC power, got %v", reading.TotalPower)
	}
}

func TestComputeZeroSignalScoresZero(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	reading, ok := Compute(constantSamples(0, MinWindow, start), start)
	if !ok {
		t.Fatalf("expected reading for full window")
	}
	if reading.Score != 0 || reading.TotalPower != 0 {
		t.Fatalf("zero signal should score 0 with no power, got score=%v total=%v", reading.Score, reading.TotalPower)
	}
	if reading.Phase != model.PhaseLow {
		t.Fatalf("expected low phase, got %s", reading.Phase)
	}
}

func TestComputeScoreStaysInRange(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for _, freq := range []float64{0.02, 0.05, 0.1, 0.2, 0.3, 0.45} {
		reading, ok := Compute(sineSamples(freq, 60, start), start)
		if !ok {
			t.Fatalf("expected reading at %v Hz", freq)
		}
		if reading.Score < 0 || reading.Score > 100 {
			t.Errorf("score at %v Hz out of range: %v", freq, reading.Score)
		}
	}
}

func TestComputeRolling(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	samples := sineSamples(0.1, 40, start)

	readings := ComputeRolling(samples, MinWindow)
	if len(readings) != len(samples)-MinWindow+1 {
		t.Fatalf("expected %d readings, got %d", len(samples)-MinWindow+1, len(readings))
	}
	for i, reading := range readings {
		window := samples[i : i+MinWindow]
		want, ok := Compute(window, window[len(window)-1].Timestamp)
		if !ok {
			t.Fatalf("window %d should compute", i)
		}
		if reading.Score != want.Score {
			t.Errorf("reading %d score = %v, want %v", i, reading.Score, want.Score)
		}
		if !reading.Timestamp.Equal(window[len(window)-1].Timestamp) {
			t.Errorf("reading %d timestamp = %v, want last sample time %v", i, reading.Timestamp, window[len(window)-1].Timestamp)
		}
	}
}

func TestComputeRollingShortInput(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if got := ComputeRolling(sineSamples(0.1, MinWindow-1, start), MinWindow); got != nil {
		t.Fatalf("expected no readings for short input, got %d", len(got))
	}
	// windowSize zero falls back to the minimum window.
	if got := ComputeRolling(sineSamples(0.1, MinWindow, start), 0); len(got) != 1 {
		t.Fatalf("expected one reading with default window, got %d", len(got))
	}
}
