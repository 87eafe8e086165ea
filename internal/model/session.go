package model

import "math"

// SessionStatus is the server-side state of a long transcription.
type SessionStatus string

const (
	SessionStatusCreatingSegments SessionStatus = "creating_segments"
	SessionStatusTranscribing     SessionStatus = "transcribing"
	SessionStatusCompleted        SessionStatus = "completed"
	SessionStatusError            SessionStatus = "error"
)

// IsTerminal reports whether no further transitions follow s.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// IsKnown reports whether s is one of the statuses the service emits.
func (s SessionStatus) IsKnown() bool {
	switch s {
	case SessionStatusCreatingSegments, SessionStatusTranscribing, SessionStatusCompleted, SessionStatusError:
		return true
	}
	return false
}

// Session is one segmented transcription in flight. It is both the stored
// record and the body of GET /api/progress/:sessionId.
type Session struct {
	ID                       string        `json:"session_id"`
	Status                   SessionStatus `json:"status"`
	Progress                 float64       `json:"progress"`
	CurrentSegment           int           `json:"current_segment"`
	TotalSegments            int           `json:"total_segments"`
	Transcriptions           []string      `json:"transcriptions"`
	EstimatedDurationMinutes int           `json:"estimated_duration_minutes"`
	StartTime                float64       `json:"start_time"` // unix seconds
	Model                    string        `json:"model,omitempty"`
	FinalTranscription       string        `json:"final_transcription,omitempty"`
	SuccessRate              *float64      `json:"success_rate,omitempty"`
	SuccessfulSegments       *int          `json:"successful_segments,omitempty"`
	SegmentsProcessed        *int          `json:"segments_processed,omitempty"`
	TotalDurationMinutes     *float64      `json:"total_duration_minutes,omitempty"`
	Error                    string        `json:"error,omitempty"`
}

// ClampProgress bounds a reported percentage to [0, 100].
func ClampProgress(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// CancelResponse is returned by POST /api/cancel/:sessionId.
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
