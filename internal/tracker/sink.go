package tracker

import (
	"time"

	"github.com/dsmui/api/internal/model"
)

// Detail is the segment-level part of a progress update
type Detail struct {
	CurrentSegment int
	TotalSegments  int
	Remaining      time.Duration // zero when the service gave no estimate
}

// Sink receives everything a Tracker learns about its session. Methods are
// called one at a time while the tracker is locked, so a Sink must not call
// back into the Tracker that owns it.
//
// Each session ends with exactly one of OnCompleted, OnError or OnCancelled,
// except a session replaced by a new Start, which ends silently.
type Sink interface {
	OnProgress(status model.SessionStatus, percentage float64, detail Detail)
	OnPartial(fragments []string)
	OnCompleted(finalText string, stats Stats)
	OnError(err error)
	OnCancelled()
}
