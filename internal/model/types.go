package model

import (
	"strings"
	"time"
)

// CoherencePhase buckets a 0-100 coherence score.
type CoherencePhase string

const (
	PhaseLow    CoherencePhase = "low"
	PhaseMedium CoherencePhase = "medium"
	PhaseHigh   CoherencePhase = "high"
)

// PhaseForScore classifies a coherence score with the fixed thresholds
// shared by individual and group-level classification.
func PhaseForScore(score float64) CoherencePhase {
	switch {
	case score < 40:
		return PhaseLow
	case score < 60:
		return PhaseMedium
	default:
		return PhaseHigh
	}
}

// SessionPhase is the wall-clock-driven lifecycle stage of a group session.
// Transitions are strictly forward: preparation -> active -> integration -> complete.
type SessionPhase string

const (
	SessionPreparation SessionPhase = "preparation"
	SessionActive      SessionPhase = "active"
	SessionIntegration SessionPhase = "integration"
	SessionComplete    SessionPhase = "complete"
)

type IntentionCategory string

const (
	IntentionPhysicalHealing  IntentionCategory = "physical_healing"
	IntentionEmotionalRelease IntentionCategory = "emotional_release"
	IntentionAnxiety          IntentionCategory = "anxiety"
	IntentionAbundance        IntentionCategory = "abundance"
	IntentionEnergy           IntentionCategory = "energy"
	IntentionGrief            IntentionCategory = "grief"
	IntentionOther            IntentionCategory = "other"
)

func NormalizeIntentionCategory(category string) IntentionCategory {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case string(IntentionPhysicalHealing):
		return IntentionPhysicalHealing
	case string(IntentionEmotionalRelease):
		return IntentionEmotionalRelease
	case string(IntentionAnxiety):
		return IntentionAnxiety
	case string(IntentionAbundance):
		return IntentionAbundance
	case string(IntentionEnergy):
		return IntentionEnergy
	case string(IntentionGrief):
		return IntentionGrief
	default:
		return IntentionOther
	}
}

// Intention is a participant's private reason for joining. The note is never
// exported to other participants.
type Intention struct {
	Category IntentionCategory
	Note     string
}

// HRVSample is one second of heart-rate-variability data from a biometric source.
type HRVSample struct {
	Timestamp time.Time
	MeanRR    float64 // mean R-R interval, milliseconds
	HeartRate float64 // BPM
	RMSSD     float64
	SDNN      float64
}

// CoherenceReading is the spectral engine's output for one sample window.
type CoherenceReading struct {
	Timestamp  time.Time
	Score      float64 // 0-100
	PeakPower  float64 // power in the 0.04-0.26 Hz band
	TotalPower float64 // power in the 0-0.4 Hz band
	Phase      CoherencePhase
}

// Participant is per-user state inside one session, owned by that session.
type Participant struct {
	UserID           string
	JoinedAt         time.Time
	LastUpdate       time.Time
	CurrentCoherence float64
	Intention        *Intention
}

type Distribution struct {
	Low    int
	Medium int
	High   int
}

// GroupMetrics is the aggregate view over a session's participants.
// PeakCoherence tracks the highest group average seen and never decreases
// within a session's lifetime.
type GroupMetrics struct {
	SessionID        string
	Timestamp        time.Time
	ParticipantCount int
	AverageCoherence float64
	PeakCoherence    float64
	CoherencePhase   CoherencePhase
	Distribution     Distribution
}

type AudioTrack struct {
	ID       string
	Name     string
	Duration time.Duration
}

// Session is a fixed-duration group activity window.
type Session struct {
	SessionID    string
	StartedAt    time.Time
	Duration     time.Duration
	CurrentPhase SessionPhase
	Participants map[string]Participant
	GroupMetrics GroupMetrics
	AudioTrack   AudioTrack
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefInvalidEncoding = "E_REF_INVALID_ENCODING"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrNoCurrentSession   = "E_NO_CURRENT_SESSION"
	ErrSessionComplete    = "E_SESSION_COMPLETE"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
)
