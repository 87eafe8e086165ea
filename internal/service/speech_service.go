package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dsmui/api/internal/client"
	"github.com/dsmui/api/internal/config"
	"github.com/dsmui/api/internal/model"
	"github.com/dsmui/api/internal/speech"
)

// ErrFileNotFound is returned for sample, text and audio files that do not exist
var ErrFileNotFound = errors.New("file not found")

// Engine is the local half of the speech stack: synthesis and ffmpeg tooling
type Engine interface {
	speech.Synthesizer
	speech.AudioTools
}

// SpeechService implements the TTS and STT endpoints
type SpeechService struct {
	store       SessionStore
	dispatcher  Dispatcher
	engine      Engine
	transcriber speech.Transcriber
	audioStore  client.AudioStore // optional
	speechCfg   config.SpeechConfig
	storageCfg  config.StorageConfig
	now         func() time.Time
}

func NewSpeechService(
	cfg *config.Config,
	store SessionStore,
	dispatcher Dispatcher,
	engine Engine,
	transcriber speech.Transcriber,
	audioStore client.AudioStore,
) *SpeechService {
	return &SpeechService{
		store:       store,
		dispatcher:  dispatcher,
		engine:      engine,
		transcriber: transcriber,
		audioStore:  audioStore,
		speechCfg:   cfg.Speech,
		storageCfg:  cfg.Storage,
		now:         time.Now,
	}
}

// Synthesize renders text to a wav file and returns where to fetch it
func (s *SpeechService) Synthesize(ctx context.Context, req *model.TTSRequest) (*model.TTSResponse, error) {
	audioID := uuid.New().String()
	filename := fmt.Sprintf("tts_%s.wav", audioID)
	outputPath := filepath.Join(s.storageCfg.AudioOutputDir, filename)

	if err := os.MkdirAll(s.storageCfg.AudioOutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio dir: %w", err)
	}
	if err := s.engine.Synthesize(ctx, req.Text, outputPath); err != nil {
		return nil, fmt.Errorf("TTS failed: %w", err)
	}

	audioURL := "/audio/" + filename
	if s.audioStore != nil {
		if url, err := s.uploadAudio(ctx, outputPath, filename); err != nil {
			log.Printf("[speech] upload of %s failed, serving locally: %v", filename, err)
		} else {
			audioURL = url
		}
	}

	return &model.TTSResponse{
		Success:  true,
		AudioURL: audioURL,
		AudioID:  audioID,
	}, nil
}

func (s *SpeechService) uploadAudio(ctx context.Context, path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.audioStore.Upload(ctx, "tts/"+filename, f, "audio/wav")
}

// TranscribeSample transcribes one of the recordings shipped with the demo
func (s *SpeechService) TranscribeSample(ctx context.Context, req *model.STTRequest) (*model.STTResponse, error) {
	path, err := resolve(s.storageCfg.SampleAudioDir, req.AudioFile)
	if err != nil {
		return nil, err
	}

	text, err := s.transcriber.Transcribe(ctx, path, s.modelOrDefault(req.Model), 0)
	if err != nil {
		return nil, fmt.Errorf("STT failed: %w", err)
	}

	return &model.STTResponse{
		Success:       true,
		Transcription: text,
	}, nil
}

// TranscribeUpload transcribes an uploaded recording. Recordings longer than
// the streaming threshold are handed to a worker and answered with a session
// to poll instead of a transcription.
func (s *SpeechService) TranscribeUpload(ctx context.Context, filename string, src io.Reader, modelName string) (*model.STTUploadResponse, error) {
	modelName = s.modelOrDefault(modelName)

	uploadID := uuid.New().String()
	uploadName := fmt.Sprintf("upload_%s.%s", uploadID, extension(filename))
	uploadPath := filepath.Join(s.storageCfg.AudioOutputDir, uploadName)

	if err := saveUpload(uploadPath, src); err != nil {
		return nil, err
	}
	defer os.Remove(uploadPath)

	duration, err := s.engine.Duration(ctx, uploadPath)
	if err != nil {
		log.Printf("[speech] could not determine duration of %s, transcribing directly: %v", uploadName, err)
	} else if duration > float64(s.speechCfg.StreamingThreshold) {
		return s.startSession(ctx, uploadPath, uploadName, modelName, duration)
	}

	wavPath := filepath.Join(s.storageCfg.AudioOutputDir, fmt.Sprintf("upload_%s.wav", uploadID))
	if err := s.engine.ConvertToWav(ctx, uploadPath, wavPath); err != nil {
		return nil, fmt.Errorf("audio conversion failed: %w", err)
	}
	defer os.Remove(wavPath)

	text, err := s.transcriber.Transcribe(ctx, wavPath, modelName, 0)
	if err != nil {
		return nil, fmt.Errorf("STT failed: %w", err)
	}

	return &model.STTUploadResponse{
		Success:       true,
		Transcription: text,
	}, nil
}

func (s *SpeechService) startSession(ctx context.Context, uploadPath, uploadName, modelName string, duration float64) (*model.STTUploadResponse, error) {
	sessionID := uuid.New().String()

	processingPath := filepath.Join(s.storageCfg.AudioOutputDir, fmt.Sprintf("processing_%s_%s", sessionID, uploadName))
	if err := os.Rename(uploadPath, processingPath); err != nil {
		return nil, fmt.Errorf("failed to keep upload for processing: %w", err)
	}

	numSegments := SegmentCount(duration, s.speechCfg.SegmentSeconds)
	estimated := EstimatedMinutes(duration, s.speechCfg.ProcessingRatio)

	session := &model.Session{
		ID:                       sessionID,
		Status:                   model.SessionStatusCreatingSegments,
		TotalSegments:            numSegments,
		Transcriptions:           []string{},
		EstimatedDurationMinutes: estimated,
		StartTime:                float64(s.now().UnixNano()) / float64(time.Second),
		Model:                    modelName,
	}
	if err := s.store.Create(ctx, session); err != nil {
		os.Remove(processingPath)
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	payload := &model.TranscribeJobPayload{
		SessionID:       sessionID,
		AudioPath:       processingPath,
		Model:           modelName,
		DurationSeconds: duration,
	}
	if err := s.dispatcher.DispatchTranscription(ctx, payload); err != nil {
		os.Remove(processingPath)
		if delErr := s.store.Delete(ctx, sessionID); delErr != nil {
			log.Printf("[speech] failed to drop session %s: %v", sessionID, delErr)
		}
		return nil, err
	}

	log.Printf("[speech] session %s: %.1f minutes in %d segments", sessionID, duration/60, numSegments)

	return &model.STTUploadResponse{
		Success:                    true,
		UseStreaming:               true,
		SessionID:                  sessionID,
		AudioDurationMinutes:       duration / 60,
		EstimatedProcessingMinutes: estimated,
		NumSegments:                numSegments,
	}, nil
}

// GetProgress returns the current state of a session
func (s *SpeechService) GetProgress(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// Cancel forgets a session. The worker stops at its next progress update.
func (s *SpeechService) Cancel(ctx context.Context, sessionID string) (*model.CancelResponse, error) {
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return nil, err
	}
	log.Printf("[speech] session %s cancelled", sessionID)

	return &model.CancelResponse{
		Success: true,
		Message: "Transcription cancelled",
	}, nil
}

// TestFile returns the contents of a sample text
func (s *SpeechService) TestFile(name string) (*model.TestFileResponse, error) {
	path, err := resolve(s.storageCfg.TestTextDir, name)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test file: %w", err)
	}
	return &model.TestFileResponse{Content: string(content)}, nil
}

// Cleanup removes every generated wav file and the uploaded copies of
// synthesized ones
func (s *SpeechService) Cleanup(ctx context.Context) (*model.CleanupResponse, error) {
	files, err := filepath.Glob(filepath.Join(s.storageCfg.AudioOutputDir, "*.wav"))
	if err != nil {
		return nil, err
	}

	deleted := 0
	for _, f := range files {
		name := filepath.Base(f)
		if err := os.Remove(f); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		deleted++

		if s.audioStore != nil && strings.HasPrefix(name, "tts_") {
			if err := s.audioStore.Delete(ctx, "tts/"+name); err != nil {
				log.Printf("[speech] %v", err)
			}
		}
	}

	return &model.CleanupResponse{
		Success:      true,
		FilesDeleted: deleted,
	}, nil
}

// AudioPath resolves a generated audio file for download
func (s *SpeechService) AudioPath(name string) (string, error) {
	return resolve(s.storageCfg.AudioOutputDir, name)
}

func (s *SpeechService) modelOrDefault(name string) string {
	if name == "" {
		return s.speechCfg.DefaultModel
	}
	return name
}

// resolve joins name under dir without letting it escape and checks it exists
func resolve(dir, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	if cleaned == "/" {
		return "", ErrFileNotFound
	}
	path := filepath.Join(dir, cleaned)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return path, nil
}

func extension(filename string) string {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return "audio"
	}
	return strings.ToLower(ext)
}

func saveUpload(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to save upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return f.Close()
}
