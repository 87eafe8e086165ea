package model

// WebSocket message types
const (
	WSMessageTypeProgress  = "progress"
	WSMessageTypeComplete  = "complete"
	WSMessageTypeError     = "error"
	WSMessageTypeCancelled = "cancelled"
	WSMessageTypePing      = "ping"
	WSMessageTypePong      = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type           string        `json:"type"`
	SessionID      string        `json:"sessionId"`
	Status         SessionStatus `json:"status"`
	Progress       float64       `json:"progress"`
	CurrentSegment int           `json:"currentSegment,omitempty"`
	TotalSegments  int           `json:"totalSegments,omitempty"`
	Transcriptions []string      `json:"transcriptions,omitempty"`
}

// WSCompleteMessage represents session completion
type WSCompleteMessage struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Result    *Session `json:"result"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	Error     WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
