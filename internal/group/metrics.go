package group

import (
	"time"

	"github.com/resonate-labs/cohered/internal/model"
)

// Recompute derives a fully consistent GroupMetrics from a session's current
// participant set. It is a pure function of (participants, prevPeak): callers
// pass the previous metrics' peak so the group peak is monotonic across the
// session's lifetime, including through momentary all-leave states.
func Recompute(sessionID string, participants []model.Participant, prevPeak float64, at time.Time) model.GroupMetrics {
	count := len(participants)

	if count == 0 {
		return model.GroupMetrics{
			SessionID:        sessionID,
			Timestamp:        at,
			ParticipantCount: 0,
			AverageCoherence: 0,
			PeakCoherence:    prevPeak,
			CoherencePhase:   model.PhaseLow,
		}
	}

	var total float64
	var dist model.Distribution
	for _, p := range participants {
		total += p.CurrentCoherence
		switch model.PhaseForScore(p.CurrentCoherence) {
		case model.PhaseLow:
			dist.Low++
		case model.PhaseMedium:
			dist.Medium++
		case model.PhaseHigh:
			dist.High++
		}
	}

	average := total / float64(count)
	peak := prevPeak
	if average > peak {
		peak = average
	}

	return model.GroupMetrics{
		SessionID:        sessionID,
		Timestamp:        at,
		ParticipantCount: count,
		AverageCoherence: average,
		PeakCoherence:    peak,
		CoherencePhase:   model.PhaseForScore(average),
		Distribution:     dist,
	}
}
