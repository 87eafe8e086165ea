package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dsmui/api/internal/config"
	"github.com/dsmui/api/internal/model"
)

func newTestSpeechClient(ts *httptest.Server) *SpeechClient {
	return NewSpeechClient(&config.ClientConfig{
		BaseURL:        ts.URL,
		Token:          "test-token",
		RequestTimeout: 5 * time.Second,
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestSubmit_TextIsImmediate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var req model.TTSRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Text != "Hello there" {
			t.Errorf("unexpected text %q", req.Text)
		}
		writeJSON(t, w, http.StatusOK, model.TTSResponse{Success: true, AudioURL: "/audio/tts_1.wav", AudioID: "1"})
	}))
	defer ts.Close()

	out, err := newTestSpeechClient(ts).Submit(context.Background(), Request{Text: "Hello there"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != KindImmediate || out.Session != nil {
		t.Fatalf("expected immediate outcome without session, got %+v", out)
	}
	if out.Immediate.AudioURL != "/audio/tts_1.wav" {
		t.Errorf("unexpected audio url %q", out.Immediate.AudioURL)
	}
	if out.SubmittedAt.IsZero() {
		t.Error("expected SubmittedAt to be set")
	}
}

func TestSubmit_SampleFileIsImmediate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/stt" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req model.STTRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AudioFile != "audio/bria.mp3" || req.Model != "kyutai/stt-1b-en_fr" {
			t.Errorf("unexpected request %+v", req)
		}
		writeJSON(t, w, http.StatusOK, model.STTResponse{Success: true, Transcription: "bonjour"})
	}))
	defer ts.Close()

	out, err := newTestSpeechClient(ts).Submit(context.Background(), Request{
		SampleFile: "audio/bria.mp3",
		Model:      "kyutai/stt-1b-en_fr",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Immediate == nil || out.Immediate.Transcription != "bonjour" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSubmit_LongUploadCreatesSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("expected multipart content-type, got %s", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "kyutai/stt-2.6b-en" {
			t.Errorf("expected model field, got %q", got)
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "lecture.mp3" || string(data) != "fake-audio" {
			t.Errorf("unexpected upload %q (%q)", hdr.Filename, data)
		}
		writeJSON(t, w, http.StatusOK, model.STTUploadResponse{
			Success:                    true,
			UseStreaming:               true,
			SessionID:                  "sess-1",
			AudioDurationMinutes:       10.5,
			EstimatedProcessingMinutes: 31,
			NumSegments:                3,
		})
	}))
	defer ts.Close()

	out, err := newTestSpeechClient(ts).Submit(context.Background(), Request{
		Audio:     strings.NewReader("fake-audio"),
		AudioName: "lecture.mp3",
		Model:     "kyutai/stt-2.6b-en",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != KindAsynchronous || out.Session == nil {
		t.Fatalf("expected asynchronous outcome, got %+v", out)
	}
	if out.Session.SessionID != "sess-1" || out.Session.EstimatedSegments != 3 || out.Session.EstimatedMinutes != 31 {
		t.Errorf("unexpected handle %+v", out.Session)
	}
}

func TestSubmit_ShortUploadIsImmediate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, model.STTUploadResponse{Success: true, Transcription: "short clip"})
	}))
	defer ts.Close()

	out, err := newTestSpeechClient(ts).Submit(context.Background(), Request{Audio: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != KindImmediate || out.Immediate.Transcription != "short clip" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSubmit_ServiceErrorIsSubmissionError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]string{"code": "ENGINE_ERROR", "message": "TTS failed: no GPU"},
		})
	}))
	defer ts.Close()

	_, err := newTestSpeechClient(ts).Submit(context.Background(), Request{Text: "hi"})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if subErr.Reason != "TTS failed: no GPU" || subErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected submission error %+v", subErr)
	}
}

func TestSubmit_NetworkErrorIsSubmissionError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestSpeechClient(ts)
	ts.Close()

	_, err := c.Submit(context.Background(), Request{Text: "hi"})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestSubmit_StreamingWithoutSessionID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, model.STTUploadResponse{Success: true, UseStreaming: true})
	}))
	defer ts.Close()

	_, err := newTestSpeechClient(ts).Submit(context.Background(), Request{Audio: strings.NewReader("x")})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestSubmit_RejectsAmbiguousRequest(t *testing.T) {
	c := NewSpeechClient(&config.ClientConfig{BaseURL: "http://unused"})

	for _, req := range []Request{
		{},
		{Text: "a", SampleFile: "b"},
		{Text: "a", Audio: strings.NewReader("x")},
	} {
		_, err := c.Submit(context.Background(), req)
		var subErr *SubmissionError
		if !errors.As(err, &subErr) {
			t.Errorf("expected SubmissionError for %+v, got %v", req, err)
		}
	}
}

func TestGetProgress_DecodesSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/progress/sess-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "transcribing",
			"progress": 65,
			"current_segment": 1,
			"total_segments": 2,
			"transcriptions": ["[00:00] hello"],
			"estimated_duration_minutes": 30,
			"start_time": 1700000000.5
		}`))
	}))
	defer ts.Close()

	s, err := newTestSpeechClient(ts).GetProgress(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if s.Status != model.SessionStatusTranscribing || s.Progress != 65 {
		t.Errorf("unexpected session %+v", s)
	}
	if s.CurrentSegment != 1 || s.TotalSegments != 2 || len(s.Transcriptions) != 1 {
		t.Errorf("unexpected segment info %+v", s)
	}
}

func TestGetProgress_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{"code": "SESSION_NOT_FOUND", "message": "Session not found"},
		})
	}))
	defer ts.Close()

	_, err := newTestSpeechClient(ts).GetProgress(context.Background(), "gone")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetProgress_MalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer ts.Close()

	if _, err := newTestSpeechClient(ts).GetProgress(context.Background(), "s"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCancelSession(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodPost || r.URL.Path != "/api/cancel/sess-9" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, model.CancelResponse{Success: true, Message: "Transcription cancelled"})
	}))
	defer ts.Close()

	if err := newTestSpeechClient(ts).CancelSession(context.Background(), "sess-9"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if !called {
		t.Error("expected cancel request")
	}
}

func TestFetchTestFile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/test-file/intro.txt" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, model.TestFileResponse{Content: "Once upon a time"})
	}))
	defer ts.Close()

	content, err := newTestSpeechClient(ts).FetchTestFile(context.Background(), "intro.txt")
	if err != nil {
		t.Fatalf("FetchTestFile: %v", err)
	}
	if content != "Once upon a time" {
		t.Errorf("unexpected content %q", content)
	}
}
