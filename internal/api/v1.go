package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type IntentionPayload struct {
	Category string `json:"category"`
	Note     string `json:"note,omitempty"`
}

type DistributionPayload struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

type GroupMetricsItem struct {
	SessionID        string              `json:"session_id"`
	Timestamp        string              `json:"timestamp"`
	ParticipantCount int                 `json:"participant_count"`
	AverageCoherence float64             `json:"average_coherence"`
	PeakCoherence    float64             `json:"peak_coherence"`
	CoherencePhase   string              `json:"coherence_phase"`
	Distribution     DistributionPayload `json:"distribution"`
}

type AudioTrackItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
}

type SessionItem struct {
	SessionID        string           `json:"session_id"`
	StartedAt        string           `json:"started_at"`
	DurationMS       int64            `json:"duration_ms"`
	CurrentPhase     string           `json:"current_phase"`
	ParticipantCount int              `json:"participant_count"`
	GroupMetrics     GroupMetricsItem `json:"group_metrics"`
	AudioTrack       AudioTrackItem   `json:"audio_track"`
}

type SessionEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Session       SessionItem `json:"session"`
}

type SessionsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Sessions      []SessionItem `json:"sessions"`
}

type MetricsEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Metrics       GroupMetricsItem `json:"metrics"`
}

type JoinRequest struct {
	UserID    string            `json:"user_id"`
	Intention *IntentionPayload `json:"intention,omitempty"`
}

type JoinResponse struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Joined        bool        `json:"joined"`
	Session       SessionItem `json:"session"`
}

type LeaveRequest struct {
	UserID string `json:"user_id"`
}

type LeaveResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Left          bool      `json:"left"`
}

type CoherenceUpdateRequest struct {
	UserID string  `json:"user_id"`
	Score  float64 `json:"score"`
}

// Contribution values for personal feedback relative to the group average.
const (
	ContributionHelpingLift    = "helping_lift"
	ContributionBeingSupported = "being_supported"
)

type CoherenceUpdateResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Applied       bool             `json:"applied"`
	YourCoherence float64          `json:"your_coherence"`
	GroupAverage  float64          `json:"group_average"`
	Contribution  string           `json:"contribution,omitempty"`
	Metrics       GroupMetricsItem `json:"metrics"`
}

type HRVSamplePayload struct {
	Timestamp string  `json:"timestamp"`
	MeanRR    float64 `json:"mean_rr"`
	HeartRate float64 `json:"heart_rate"`
	RMSSD     float64 `json:"rmssd"`
	SDNN      float64 `json:"sdnn"`
}

type HRVIngestRequest struct {
	UserID  string             `json:"user_id"`
	Samples []HRVSamplePayload `json:"samples"`
}

type CoherenceReadingItem struct {
	Timestamp  string  `json:"timestamp"`
	Score      float64 `json:"score"`
	PeakPower  float64 `json:"peak_power"`
	TotalPower float64 `json:"total_power"`
	Phase      string  `json:"phase"`
}

type HRVIngestResponse struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Stored        int                   `json:"stored"`
	WindowSize    int                   `json:"window_size"`
	Reading       *CoherenceReadingItem `json:"reading,omitempty"`
}

type ParticipantSummaryItem struct {
	SessionID         string  `json:"session_id"`
	UserID            string  `json:"user_id"`
	JoinedAt          string  `json:"joined_at"`
	LeftAt            *string `json:"left_at,omitempty"`
	IntentionCategory string  `json:"intention_category,omitempty"`
	PeakCoherence     float64 `json:"peak_coherence"`
	TimeInCoherenceMS int64   `json:"time_in_coherence_ms"`
}

type SummariesEnvelope struct {
	SchemaVersion string                   `json:"schema_version"`
	GeneratedAt   time.Time                `json:"generated_at"`
	SessionID     string                   `json:"session_id"`
	Summaries     []ParticipantSummaryItem `json:"summaries"`
}

type WatchLine struct {
	SchemaVersion    string            `json:"schema_version"`
	GeneratedAt      time.Time         `json:"generated_at"`
	EmittedAt        time.Time         `json:"emitted_at"`
	StreamID         string            `json:"stream_id"`
	Cursor           string            `json:"cursor"`
	Type             string            `json:"type"`
	Sequence         int64             `json:"sequence"`
	SessionID        string            `json:"session_id,omitempty"`
	Phase            string            `json:"phase,omitempty"`
	ParticipantCount int               `json:"participant_count,omitempty"`
	Metrics          *GroupMetricsItem `json:"metrics,omitempty"`
	Sessions         []SessionItem     `json:"sessions,omitempty"`
}
