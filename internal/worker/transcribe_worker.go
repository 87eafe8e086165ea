package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dsmui/api/internal/config"
	"github.com/dsmui/api/internal/model"
	"github.com/dsmui/api/internal/service"
	"github.com/dsmui/api/internal/speech"
)

// Notifier pushes session updates to live subscribers
type Notifier interface {
	BroadcastProgress(session *model.Session)
	BroadcastComplete(session *model.Session)
	BroadcastError(sessionID string, code, message string)
	BroadcastCancelled(sessionID string)
}

// errCancelled stops a job whose session was deleted
var errCancelled = errors.New("session cancelled")

type segment struct {
	index  int // 1-based position in the recording
	offset int // seconds
	path   string
}

// TranscribeWorker cuts a long recording into segments and transcribes them
// one by one, publishing progress after every step.
type TranscribeWorker struct {
	store       service.SessionStore
	audio       speech.AudioTools
	transcriber speech.Transcriber
	notifier    Notifier
	cfg         config.SpeechConfig
	workDir     string
}

// NewTranscribeWorker creates a new transcribe worker
func NewTranscribeWorker(
	store service.SessionStore,
	audio speech.AudioTools,
	transcriber speech.Transcriber,
	notifier Notifier,
	speechCfg config.SpeechConfig,
	storageCfg config.StorageConfig,
) *TranscribeWorker {
	return &TranscribeWorker{
		store:       store,
		audio:       audio,
		transcriber: transcriber,
		notifier:    notifier,
		cfg:         speechCfg,
		workDir:     storageCfg.AudioOutputDir,
	}
}

// ProcessTask handles transcribe task processing
func (w *TranscribeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.TranscribeJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	defer os.Remove(payload.AudioPath)

	log.Printf("[transcribe] starting session %s (%.1f minutes, model %s)",
		payload.SessionID, payload.DurationSeconds/60, payload.Model)

	err := w.process(ctx, &payload)
	switch {
	case errors.Is(err, errCancelled):
		log.Printf("[transcribe] session %s was cancelled", payload.SessionID)
		w.notifier.BroadcastCancelled(payload.SessionID)
		return nil
	case err != nil:
		w.failSession(payload.SessionID, err.Error())
		return err
	}
	return nil
}

func (w *TranscribeWorker) process(ctx context.Context, payload *model.TranscribeJobPayload) error {
	session, err := w.store.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return errCancelled
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if _, err := os.Stat(payload.AudioPath); err != nil {
		return fmt.Errorf("upload file not found: %s", payload.AudioPath)
	}

	segments, err := w.cut(ctx, session, payload)
	defer removeSegments(segments)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("no segments could be created")
	}

	session.Status = model.SessionStatusTranscribing
	session.TotalSegments = len(segments)
	if err := w.save(ctx, session); err != nil {
		return err
	}

	successful := 0
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		session.CurrentSegment = i + 1
		if err := w.save(ctx, session); err != nil {
			return err
		}

		fragment, ok := w.transcribeSegment(ctx, seg, payload.Model)
		if ok {
			successful++
		}
		session.Transcriptions = append(session.Transcriptions, fragment)
		session.Progress = service.TranscriptionProgress(i+1, len(segments))
		if err := w.save(ctx, session); err != nil {
			return err
		}

		os.Remove(seg.path)
	}

	processed := len(session.Transcriptions)
	rate := 0.0
	if processed > 0 {
		rate = float64(successful) / float64(processed) * 100
	}
	minutes := payload.DurationSeconds / 60

	session.Status = model.SessionStatusCompleted
	session.Progress = 100
	session.SuccessRate = &rate
	session.SuccessfulSegments = &successful
	session.SegmentsProcessed = &processed
	session.TotalDurationMinutes = &minutes
	session.FinalTranscription = strings.Join(session.Transcriptions, "\n\n")

	if err := w.store.Update(ctx, session); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return errCancelled
		}
		return fmt.Errorf("failed to save result: %w", err)
	}

	w.notifier.BroadcastComplete(session)
	log.Printf("[transcribe] session %s completed: %d/%d segments (%.1f%%)",
		session.ID, successful, processed, rate)
	return nil
}

// cut extracts the segments of the recording, filling the first progress band
func (w *TranscribeWorker) cut(ctx context.Context, session *model.Session, payload *model.TranscribeJobPayload) ([]segment, error) {
	length := w.cfg.SegmentSeconds
	total := service.SegmentCount(payload.DurationSeconds, length)

	var segments []segment
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return segments, err
		}

		offset := i * length
		if float64(offset) >= payload.DurationSeconds {
			// nothing left past the end of the recording
			break
		}

		path := filepath.Join(w.workDir, fmt.Sprintf("segment_%s.wav", uuid.New().String()))
		if err := w.audio.ExtractSegment(ctx, payload.AudioPath, path, offset, length); err != nil {
			log.Printf("[transcribe] failed to create segment %d/%d: %v", i+1, total, err)
		} else {
			segments = append(segments, segment{index: i + 1, offset: offset, path: path})
		}

		session.Progress = service.SegmentationProgress(i+1, total)
		if err := w.save(ctx, session); err != nil {
			return segments, err
		}
	}
	return segments, nil
}

// transcribeSegment returns the fragment for seg and whether it holds text
func (w *TranscribeWorker) transcribeSegment(ctx context.Context, seg segment, modelName string) (string, bool) {
	stamp := service.Timestamp(seg.offset)
	attempts := w.cfg.SegmentRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		segCtx, cancel := context.WithTimeout(ctx, w.cfg.SegmentTimeout)
		text, err := w.transcriber.Transcribe(segCtx, seg.path, modelName, seg.offset)
		timedOut := segCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			log.Printf("[transcribe] segment %d transcribed: %d characters", seg.index, len(text))
			return fmt.Sprintf("%s %s", stamp, text), true
		}
		if timedOut && !errors.Is(err, speech.ErrTimeout) {
			err = fmt.Errorf("%w: %v", speech.ErrTimeout, err)
		}
		lastErr = err
		log.Printf("[transcribe] segment %d attempt %d/%d failed: %v", seg.index, attempt, attempts, err)

		if ctx.Err() != nil {
			break
		}
	}

	var cmdErr *speech.CommandError
	switch {
	case errors.Is(lastErr, speech.ErrTimeout):
		return fmt.Sprintf("%s SEGMENT %d TIMED OUT (%s)", stamp, seg.index, service.TimeoutLabel(w.cfg.SegmentTimeout)), false
	case errors.As(lastErr, &cmdErr):
		return fmt.Sprintf("%s SEGMENT %d FAILED AFTER %d ATTEMPTS", stamp, seg.index, attempts), false
	default:
		msg := lastErr.Error()
		if len(msg) > 100 {
			msg = msg[:100]
		}
		return fmt.Sprintf("%s SEGMENT %d ERROR: %s", stamp, seg.index, msg), false
	}
}

// save stores session and publishes it. A deleted session means the user
// cancelled.
func (w *TranscribeWorker) save(ctx context.Context, session *model.Session) error {
	if err := w.store.Update(ctx, session); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return errCancelled
		}
		return fmt.Errorf("failed to update session: %w", err)
	}
	w.notifier.BroadcastProgress(session)
	return nil
}

func (w *TranscribeWorker) failSession(sessionID, errMsg string) {
	// the job context may be the reason we are failing
	ctx := context.Background()

	session, err := w.store.Get(ctx, sessionID)
	if err != nil {
		log.Printf("[transcribe] failed to mark session %s as failed: %v", sessionID, err)
		return
	}

	session.Status = model.SessionStatusError
	session.Error = errMsg
	if err := w.store.Update(ctx, session); err != nil {
		log.Printf("[transcribe] failed to mark session %s as failed: %v", sessionID, err)
	}
	w.notifier.BroadcastError(sessionID, "TRANSCRIBE_FAILED", errMsg)
}

func removeSegments(segments []segment) {
	for _, seg := range segments {
		os.Remove(seg.path)
	}
}
