package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dsmui/api/internal/model"
)

const (
	TaskTypeTranscribe = "transcribe:segments"
	QueueTranscribe    = "transcribe"
)

// Dispatcher hands a segmented transcription to a background worker
type Dispatcher interface {
	DispatchTranscription(ctx context.Context, payload *model.TranscribeJobPayload) error
}

// AsynqDispatcher enqueues transcriptions on the Redis-backed asynq queue
type AsynqDispatcher struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewAsynqDispatcher creates a dispatcher. timeout bounds a whole job and
// should cover every segment attempt.
func NewAsynqDispatcher(client *asynq.Client, timeout time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{
		client:  client,
		timeout: timeout,
	}
}

func (d *AsynqDispatcher) DispatchTranscription(ctx context.Context, payload *model.TranscribeJobPayload) error {
	task, err := NewTranscribeTask(payload)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	// segments are retried inside the job; a task retry would start over
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueTranscribe),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
		asynq.Retention(sessionTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func NewTranscribeTask(payload *model.TranscribeJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTranscribe, data), nil
}
