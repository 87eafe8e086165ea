package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dsmui/api/internal/client"
	"github.com/dsmui/api/internal/model"
	"github.com/dsmui/api/internal/tracker"
)

// consoleSink prints a tracked session to a terminal. The first terminal
// callback is delivered on done.
type consoleSink struct {
	out      io.Writer
	lastLine string
	printed  int // fragments already written
	done     chan error
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{
		out:  out,
		done: make(chan error, 1),
	}
}

func (s *consoleSink) OnProgress(status model.SessionStatus, percentage float64, detail tracker.Detail) {
	line := progressLine(status, percentage, detail)
	if line == s.lastLine {
		return
	}
	s.lastLine = line
	fmt.Fprintln(s.out, line)
}

func (s *consoleSink) OnPartial(fragments []string) {
	if len(fragments) < s.printed {
		s.printed = 0
	}
	for _, f := range fragments[s.printed:] {
		fmt.Fprintf(s.out, "  %s\n", f)
	}
	s.printed = len(fragments)
}

func (s *consoleSink) OnCompleted(finalText string, stats tracker.Stats) {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, finalText)
	fmt.Fprintln(s.out)
	fmt.Fprintf(s.out, "%s (%d/%d segments)\n", stats.Notice(), stats.SuccessfulSegments, stats.SegmentsProcessed)
	s.finish(nil)
}

func (s *consoleSink) OnError(err error) {
	fmt.Fprintf(s.out, "Transcription failed: %v\n", err)
	s.finish(err)
}

func (s *consoleSink) OnCancelled() {
	fmt.Fprintln(s.out, "Transcription cancelled.")
	s.finish(tracker.ErrCancellationRequested)
}

func (s *consoleSink) finish(err error) {
	select {
	case s.done <- err:
	default:
	}
}

func progressLine(status model.SessionStatus, percentage float64, detail tracker.Detail) string {
	switch status {
	case model.SessionStatusCreatingSegments:
		return fmt.Sprintf("[%5.1f%%] Creating segments...", percentage)
	case model.SessionStatusTranscribing:
		var b strings.Builder
		fmt.Fprintf(&b, "[%5.1f%%] Transcribing", percentage)
		if detail.TotalSegments > 0 {
			fmt.Fprintf(&b, " segment %d/%d", detail.CurrentSegment, detail.TotalSegments)
		}
		if detail.Remaining > 0 {
			fmt.Fprintf(&b, ", about %s left", formatRemaining(detail.Remaining))
		}
		return b.String()
	default:
		return fmt.Sprintf("[%5.1f%%] %s", percentage, status)
	}
}

// formatRemaining rounds to whole minutes, or seconds under a minute
func formatRemaining(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Round(time.Second)/time.Second))
	}
	return fmt.Sprintf("%d min", int(d.Round(time.Minute)/time.Minute))
}

// track follows sessionID until it ends. Cancelling ctx cancels the session
// on the service and returns tracker.ErrCancellationRequested.
func track(ctx context.Context, source tracker.StatusSource, handle *client.SessionHandle, out io.Writer, opts tracker.Options) error {
	fmt.Fprintf(out, "Session %s: %.1f minutes of audio in %d segments, about %d minutes to process\n",
		handle.SessionID, handle.AudioDurationMinutes, handle.EstimatedSegments, handle.EstimatedMinutes)

	sink := newConsoleSink(out)
	t := tracker.New(source, sink, opts)
	t.Start(handle.SessionID)

	select {
	case err := <-sink.done:
		return err
	case <-ctx.Done():
		t.Cancel()
		t.Flush()
		return <-sink.done
	}
}
