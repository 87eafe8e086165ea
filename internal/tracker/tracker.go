package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dsmui/api/internal/client"
	"github.com/dsmui/api/internal/model"
)

const (
	DefaultInterval               = time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultCancelTimeout          = 10 * time.Second
)

// StatusSource is the part of the speech API a Tracker needs
type StatusSource interface {
	GetProgress(ctx context.Context, sessionID string) (*model.Session, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// Options tunes a Tracker. Zero values fall back to the defaults above.
type Options struct {
	Interval               time.Duration
	MaxConsecutiveFailures int
	CancelTimeout          time.Duration
	Scheduler              Scheduler
	Now                    func() time.Time
}

// Tracker polls one long-running transcription session at a time and reports
// what it sees to a Sink.
type Tracker struct {
	source StatusSource
	sink   Sink

	interval      time.Duration
	maxFailures   int
	cancelTimeout time.Duration
	scheduler     Scheduler
	now           func() time.Time

	// held for the duration of a status request so two loops never overlap
	reqMu sync.Mutex

	mu         sync.Mutex
	sessionID  string
	generation uint64
	task       Task
	fragments  []string
	failures   int

	pending sync.WaitGroup
}

// New creates a Tracker reporting to sink
func New(source StatusSource, sink Sink, opts Options) *Tracker {
	t := &Tracker{
		source:        source,
		sink:          sink,
		interval:      opts.Interval,
		maxFailures:   opts.MaxConsecutiveFailures,
		cancelTimeout: opts.CancelTimeout,
		scheduler:     opts.Scheduler,
		now:           opts.Now,
	}
	if t.interval <= 0 {
		t.interval = DefaultInterval
	}
	if t.maxFailures <= 0 {
		t.maxFailures = DefaultMaxConsecutiveFailures
	}
	if t.cancelTimeout <= 0 {
		t.cancelTimeout = DefaultCancelTimeout
	}
	if t.scheduler == nil {
		t.scheduler = TickerScheduler{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Start begins polling sessionID. A session that is already being tracked is
// dropped without a cancellation request or sink callback.
func (t *Tracker) Start(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.task != nil {
		log.Printf("[tracker] session %s superseded by %s", t.sessionID, sessionID)
		t.clearLocked()
	}

	t.generation++
	gen := t.generation
	t.sessionID = sessionID
	t.task = t.scheduler.Every(t.interval, func(ctx context.Context) {
		t.tick(ctx, gen, sessionID)
	})
	log.Printf("[tracker] polling session %s every %s", sessionID, t.interval)
}

// Cancel stops the active session, asks the service to cancel it and reports
// OnCancelled. It returns false when nothing was being tracked.
func (t *Tracker) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.task == nil {
		return false
	}

	sessionID := t.sessionID
	t.clearLocked()

	t.pending.Add(1)
	go t.requestCancel(sessionID)

	log.Printf("[tracker] session %s cancelled", sessionID)
	t.sink.OnCancelled()
	return true
}

// Active returns the session currently being polled
func (t *Tracker) Active() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID, t.task != nil
}

// Flush blocks until every cancellation request sent by Cancel has finished
func (t *Tracker) Flush() {
	t.pending.Wait()
}

func (t *Tracker) requestCancel(sessionID string) {
	defer t.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), t.cancelTimeout)
	defer cancel()

	if err := t.source.CancelSession(ctx, sessionID); err != nil {
		log.Printf("[tracker] cancel request for %s failed: %v", sessionID, err)
	}
}

func (t *Tracker) tick(ctx context.Context, gen uint64, sessionID string) {
	t.reqMu.Lock()
	session, err := t.fetch(ctx, gen, sessionID)
	t.reqMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// cancelled, superseded or finished while the request was out
	if gen != t.generation || t.task == nil {
		return
	}

	if err != nil {
		t.failLocked(sessionID, err)
		return
	}
	t.failures = 0
	t.applyLocked(session)
}

func (t *Tracker) fetch(ctx context.Context, gen uint64, sessionID string) (*model.Session, error) {
	if !t.current(gen) {
		return nil, context.Canceled
	}

	session, err := t.source.GetProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.New("empty progress response")
	}
	if !session.Status.IsKnown() {
		return nil, fmt.Errorf("unexpected session status %q", session.Status)
	}
	return session, nil
}

func (t *Tracker) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.generation && t.task != nil
}

func (t *Tracker) failLocked(sessionID string, err error) {
	t.failures++
	log.Printf("[tracker] poll %s failed (%d/%d): %v", sessionID, t.failures, t.maxFailures, err)

	if !errors.Is(err, client.ErrSessionNotFound) && t.failures < t.maxFailures {
		return
	}

	pollErr := &PollError{SessionID: sessionID, Failures: t.failures, Err: err}
	t.clearLocked()
	t.sink.OnError(pollErr)
}

func (t *Tracker) applyLocked(s *model.Session) {
	switch s.Status {
	case model.SessionStatusCreatingSegments:
		t.sink.OnProgress(s.Status, model.ClampProgress(s.Progress), Detail{})

	case model.SessionStatusTranscribing:
		t.sink.OnProgress(s.Status, model.ClampProgress(s.Progress), Detail{
			CurrentSegment: s.CurrentSegment,
			TotalSegments:  s.TotalSegments,
			Remaining:      t.remaining(s),
		})
		if len(s.Transcriptions) > 0 {
			t.fragments = append([]string(nil), s.Transcriptions...)
			t.sink.OnPartial(append([]string(nil), t.fragments...))
		}

	case model.SessionStatusCompleted:
		text := s.FinalTranscription
		if text == "" {
			fragments := s.Transcriptions
			if len(fragments) == 0 {
				fragments = t.fragments
			}
			text = strings.Join(fragments, "\n\n")
		}
		stats := StatsFrom(s)
		log.Printf("[tracker] session %s completed (%.1f%% success)", s.ID, stats.SuccessRate)
		t.clearLocked()
		t.sink.OnCompleted(text, stats)

	case model.SessionStatusError:
		msg := s.Error
		if msg == "" {
			msg = "transcription failed"
		}
		serviceErr := &ServiceReportedError{SessionID: t.sessionID, Message: msg}
		log.Printf("[tracker] session %s failed: %s", t.sessionID, msg)
		t.clearLocked()
		t.sink.OnError(serviceErr)
	}
}

func (t *Tracker) remaining(s *model.Session) time.Duration {
	if s.StartTime <= 0 || s.EstimatedDurationMinutes <= 0 {
		return 0
	}
	started := time.Unix(0, int64(s.StartTime*float64(time.Second)))
	left := time.Duration(s.EstimatedDurationMinutes)*time.Minute - t.now().Sub(started)
	if left < 0 {
		return 0
	}
	return left
}

// clearLocked stops the loop and forgets the session. Any response still in
// flight for it will see a new generation and be dropped.
func (t *Tracker) clearLocked() {
	if t.task != nil {
		t.task.Stop()
	}
	t.task = nil
	t.sessionID = ""
	t.generation++
	t.fragments = nil
	t.failures = 0
}
