package coherence

import (
	"math"
	"time"

	"github.com/resonate-labs/cohered/internal/model"
)

// MinWindow is the minimum number of one-second samples the spectral estimate
// needs before a score is statistically meaningful.
const MinWindow = 30

const (
	samplingRate      = 1.0 // Hz, one R-R value per wall-clock second
	coherenceBandLow  = 0.04
	coherenceBandHigh = 0.26
	totalBandHigh     = 0.4
)

// Compute turns a time-ordered window of HRV samples into a coherence reading.
// It reports ok=false when the window is shorter than MinWindow; callers are
// expected to retry as more samples accrue rather than treat that as a fault.
func Compute(window []model.HRVSample, at time.Time) (model.CoherenceReading, bool) {
	if len(window) < MinWindow {
		return model.CoherenceReading{}, false
	}

	signal := make([]float64, len(window))
	for i, s := range window {
		signal[i] = s.MeanRR / 1000.0
	}

	peakPower, totalPower := powerSpectralDensity(signal, samplingRate)

	score := 0.0
	if totalPower > 0 {
		score = clampScore(peakPower / totalPower * 100)
	}

	return model.CoherenceReading{
		Timestamp:  at,
		Score:      score,
		PeakPower:  peakPower,
		TotalPower: totalPower,
		Phase:      model.PhaseForScore(score),
	}, true
}

// ComputeRolling slides a window of windowSize samples forward one sample at a
// time and returns one reading per full window, stamped with the window's last
// sample time. A windowSize below MinWindow yields no readings.
func ComputeRolling(samples []model.HRVSample, windowSize int) []model.CoherenceReading {
	if windowSize <= 0 {
		windowSize = MinWindow
	}
	if len(samples) < windowSize {
		return nil
	}
	readings := make([]model.CoherenceReading, 0, len(samples)-windowSize+1)
	for i := windowSize; i <= len(samples); i++ {
		window := samples[i-windowSize : i]
		reading, ok := Compute(window, window[len(window)-1].Timestamp)
		if !ok {
			continue
		}
		readings = append(readings, reading)
	}
	return readings
}

// powerSpectralDensity is a direct periodogram: raw DFT magnitude-squared per
// bin, normalized by n. Frequency resolution is rate/n, so a longer window
// sharpens the estimate but the band sums stay comparable.
func powerSpectralDensity(signal []float64, rate float64) (peakPower, totalPower float64) {
	n := len(signal)
	freqResolution := rate / float64(n)

	for k := 0; k < n/2; k++ {
		freq := float64(k) * freqResolution

		var real, imag float64
		for i, v := range signal {
			angle := 2 * math.Pi * float64(k) * float64(i) / float64(n)
			real += v * math.Cos(angle)
			imag += v * math.Sin(angle)
		}
		magnitude := math.Sqrt(real*real+imag*imag) / float64(n)
		power := magnitude * magnitude

		if freq >= coherenceBandLow && freq <= coherenceBandHigh {
			peakPower += power
		}
		if freq <= totalBandHigh {
			totalPower += power
		}
	}
	return peakPower, totalPower
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
