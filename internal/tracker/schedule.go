package tracker

import (
	"context"
	"sync"
	"time"
)

// Task is a running repeating job. Stop may be called any number of times,
// from any goroutine, including from inside the job itself.
type Task interface {
	Stop()
}

// Scheduler starts repeating jobs. Implementations must run the calls of one
// job sequentially and cancel the context handed to it when the task stops.
type Scheduler interface {
	Every(interval time.Duration, fn func(ctx context.Context)) Task
}

// TickerScheduler runs each job on its own goroutine driven by a time.Ticker.
// A tick that fires while the previous call is still running is dropped.
type TickerScheduler struct{}

// Every starts fn after each interval until the returned Task is stopped
func (TickerScheduler) Every(interval time.Duration, fn func(ctx context.Context)) Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tickerTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx, interval, fn)
	return t
}

type tickerTask struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *tickerTask) run(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select picks randomly when both are ready
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}

func (t *tickerTask) Stop() {
	t.once.Do(t.cancel)
}
