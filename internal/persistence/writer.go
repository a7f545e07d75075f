package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWriterCapacity = 256
	writerMaxAttempts     = 3
	writerRetryStep       = 300 * time.Millisecond
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue runs best-effort writes off the caller's path, one at a time.
type WriterQueue struct {
	logger    *slog.Logger
	queue     chan writeCmd
	retryStep time.Duration
	pending   sync.WaitGroup
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = defaultWriterCapacity
	}
	if logger == nil {
		logger = slog.Default().With("component", "persistence.writer")
	}

	return &WriterQueue{
		logger:    logger,
		queue:     make(chan writeCmd, capacity),
		retryStep: writerRetryStep,
	}
}

// Enqueue never blocks; when the buffer is full the command is handed off to a goroutine.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	w.pending.Add(1)
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
	default:
		go func() { w.queue <- cmd }()
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
				w.pending.Done()
			}
		}
	}()
}

// Flush waits until every enqueued write has finished or ctx expires.
func (w *WriterQueue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; attempt <= writerMaxAttempts; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		w.logger.Error("write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		if attempt == writerMaxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * w.retryStep):
		}
	}
}
