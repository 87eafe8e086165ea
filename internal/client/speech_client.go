package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dsmui/api/internal/config"
	"github.com/dsmui/api/internal/model"
	"github.com/dsmui/api/pkg/response"
)

// ErrSessionNotFound is returned when the service no longer knows a session,
// either because it finished long ago or because it was cancelled.
var ErrSessionNotFound = errors.New("session not found")

// Kind tells whether a submission finished inline or needs tracking.
type Kind string

const (
	KindImmediate    Kind = "immediate"
	KindAsynchronous Kind = "asynchronous"
)

// Request is one unit of work. Exactly one of Text, SampleFile or Audio is set.
type Request struct {
	Text       string    // synthesize speech from text
	SampleFile string    // transcribe a file bundled with the service
	Audio      io.Reader // transcribe an uploaded recording
	AudioName  string    // file name sent with Audio
	Model      string    // optional recognition model
}

// ImmediateResult is a result returned within the submission request
type ImmediateResult struct {
	AudioURL      string
	AudioID       string
	Transcription string
}

// SessionHandle identifies a segmented transcription running on the service
type SessionHandle struct {
	SessionID            string
	EstimatedSegments    int
	EstimatedMinutes     int
	AudioDurationMinutes float64
}

// Outcome is what Submit returns: either Immediate or Session is set
type Outcome struct {
	Kind        Kind
	SubmittedAt time.Time
	Immediate   *ImmediateResult
	Session     *SessionHandle
}

// SubmissionError means the job never reached a valid state on the service.
// No session exists after it.
type SubmissionError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed: %s", e.Reason)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx response from the speech service
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("speech API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("speech API error (status %d): %s", e.StatusCode, e.Message)
}

// SpeechClient talks to the speech service
type SpeechClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewSpeechClient creates a new speech service client
func NewSpeechClient(cfg *config.ClientConfig) *SpeechClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SpeechClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
	}
}

// BaseURL is the service root requests are sent to
func (c *SpeechClient) BaseURL() string {
	return c.baseURL
}

// Submit sends one job. Short jobs come back as KindImmediate; long
// recordings come back as KindAsynchronous with a session to track.
func (c *SpeechClient) Submit(ctx context.Context, req Request) (*Outcome, error) {
	outcome := &Outcome{SubmittedAt: time.Now()}

	switch {
	case req.Text != "" && req.SampleFile == "" && req.Audio == nil:
		var resp model.TTSResponse
		if err := c.post(ctx, "/api/tts", model.TTSRequest{Text: req.Text}, &resp); err != nil {
			return nil, submissionError(err)
		}
		if !resp.Success {
			return nil, &SubmissionError{Reason: "service did not report success"}
		}
		outcome.Kind = KindImmediate
		outcome.Immediate = &ImmediateResult{AudioURL: resp.AudioURL, AudioID: resp.AudioID}

	case req.SampleFile != "" && req.Text == "" && req.Audio == nil:
		var resp model.STTResponse
		body := model.STTRequest{AudioFile: req.SampleFile, Model: req.Model}
		if err := c.post(ctx, "/api/stt", body, &resp); err != nil {
			return nil, submissionError(err)
		}
		if !resp.Success {
			return nil, &SubmissionError{Reason: "service did not report success"}
		}
		outcome.Kind = KindImmediate
		outcome.Immediate = &ImmediateResult{Transcription: resp.Transcription}

	case req.Audio != nil && req.Text == "" && req.SampleFile == "":
		resp, err := c.upload(ctx, req)
		if err != nil {
			return nil, submissionError(err)
		}
		if !resp.Success {
			return nil, &SubmissionError{Reason: "service did not report success"}
		}
		if resp.UseStreaming {
			if resp.SessionID == "" {
				return nil, &SubmissionError{Reason: "service requested progress tracking without a session id"}
			}
			outcome.Kind = KindAsynchronous
			outcome.Session = &SessionHandle{
				SessionID:            resp.SessionID,
				EstimatedSegments:    resp.NumSegments,
				EstimatedMinutes:     resp.EstimatedProcessingMinutes,
				AudioDurationMinutes: resp.AudioDurationMinutes,
			}
		} else {
			outcome.Kind = KindImmediate
			outcome.Immediate = &ImmediateResult{Transcription: resp.Transcription}
		}

	default:
		return nil, &SubmissionError{Reason: "request must carry exactly one of text, sample file or audio"}
	}

	return outcome, nil
}

// GetProgress fetches the current state of a session
func (c *SpeechClient) GetProgress(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	if err := c.get(ctx, "/api/progress/"+url.PathEscape(sessionID), &session); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return &session, nil
}

// CancelSession asks the service to stop a session
func (c *SpeechClient) CancelSession(ctx context.Context, sessionID string) error {
	var result model.CancelResponse
	if err := c.post(ctx, "/api/cancel/"+url.PathEscape(sessionID), struct{}{}, &result); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return err
	}
	return nil
}

// FetchTestFile returns the contents of one of the service's sample texts
func (c *SpeechClient) FetchTestFile(ctx context.Context, name string) (string, error) {
	var result model.TestFileResponse
	if err := c.get(ctx, "/api/test-file/"+url.PathEscape(name), &result); err != nil {
		return "", err
	}
	return result.Content, nil
}

func submissionError(err error) *SubmissionError {
	subErr := &SubmissionError{Reason: err.Error(), Err: err}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		subErr.Reason = apiErr.Message
		subErr.StatusCode = apiErr.StatusCode
	}
	return subErr
}

// upload streams the recording as multipart/form-data
func (c *SpeechClient) upload(ctx context.Context, r Request) (*model.STTUploadResponse, error) {
	name := r.AudioName
	if name == "" {
		name = "recording.webm"
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	// Write multipart in a goroutine so the pipe feeds the request body.
	go func() {
		part, err := writer.CreateFormFile("audio", name)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create form file: %w", err))
			return
		}
		if _, err := io.Copy(part, r.Audio); err != nil {
			pw.CloseWithError(fmt.Errorf("copy audio data: %w", err))
			return
		}
		if r.Model != "" {
			if err := writer.WriteField("model", r.Model); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stt-upload", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result model.STTUploadResponse
	if err := c.doRequest(req, &result); err != nil {
		pr.Close()
		return nil, err
	}
	return &result, nil
}

// post sends a POST request with JSON body
func (c *SpeechClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *SpeechClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *SpeechClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Speech API] ✗ %s %s — request failed: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var envelope response.ErrorResponse
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Speech API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
