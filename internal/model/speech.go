package model

// TTSRequest represents the request to synthesize speech
type TTSRequest struct {
	Text string `json:"text" validate:"required,max=20000"`
}

// TTSResponse represents a synthesized audio file
type TTSResponse struct {
	Success  bool   `json:"success"`
	AudioURL string `json:"audio_url"`
	AudioID  string `json:"audio_id"`
}

// STTRequest represents the request to transcribe one of the bundled sample files
type STTRequest struct {
	AudioFile string `json:"audio_file" validate:"required"`
	Model     string `json:"model"`
}

// STTResponse represents a transcription finished within the request
type STTResponse struct {
	Success       bool   `json:"success"`
	Transcription string `json:"transcription"`
}

// STTUploadResponse is returned by POST /api/stt-upload. Short recordings carry
// the transcription; long ones set UseStreaming and a SessionID to poll.
type STTUploadResponse struct {
	Success                    bool    `json:"success"`
	Transcription              string  `json:"transcription,omitempty"`
	UseStreaming               bool    `json:"use_streaming,omitempty"`
	SessionID                  string  `json:"session_id,omitempty"`
	AudioDurationMinutes       float64 `json:"audio_duration_minutes,omitempty"`
	EstimatedProcessingMinutes int     `json:"estimated_processing_minutes,omitempty"`
	NumSegments                int     `json:"num_segments,omitempty"`
}

// TestFileResponse carries the contents of a sample text file
type TestFileResponse struct {
	Content string `json:"content"`
}

// CleanupResponse reports how many generated audio files were removed
type CleanupResponse struct {
	Success      bool `json:"success"`
	FilesDeleted int  `json:"files_deleted"`
}

// TranscribeJobPayload is the asynq payload for a segmented transcription
type TranscribeJobPayload struct {
	SessionID       string  `json:"sessionId"`
	AudioPath       string  `json:"audioPath"`
	Model           string  `json:"model"`
	DurationSeconds float64 `json:"durationSeconds"`
}
