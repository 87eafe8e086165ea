package tracker

import (
	"errors"
	"fmt"
)

// ErrCancellationRequested marks a session the user stopped. It is not a failure.
var ErrCancellationRequested = errors.New("cancellation requested")

// PollError is a status request that failed. The tracker retries these until
// its failure budget runs out, then hands the last one to Sink.OnError.
type PollError struct {
	SessionID string
	Failures  int
	Err       error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("polling session %s failed after %d attempt(s): %v", e.SessionID, e.Failures, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// ServiceReportedError is a session the service itself marked as failed
type ServiceReportedError struct {
	SessionID string
	Message   string
}

func (e *ServiceReportedError) Error() string {
	return e.Message
}
