// Package worker runs the consume loop: blocking pops from the input queue
// feeding the pipeline, plus a periodic sweep for validator timeouts. One
// worker process can run alongside others; the queue pop and the state
// store claims keep them from stepping on each other.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jarvishome/jarvis-ocr/internal/queue"
	"github.com/jarvishome/jarvis-ocr/internal/statestore"
)

// Processor handles one raw input-queue message.
type Processor interface {
	Process(ctx context.Context, raw []byte) error
}

// TimeoutHandler reacts to a pending validation whose callback never came.
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, rec *statestore.DeadlineRecord) error
}

// Config holds worker loop settings.
type Config struct {
	// PopTimeout bounds each blocking pop so shutdown is responsive.
	PopTimeout time.Duration
	// SweepInterval is how often expired pending validations are checked.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Worker is the queue consumer.
type Worker struct {
	queue    *queue.Client
	store    *statestore.Store
	proc     Processor
	timeouts TimeoutHandler

	popTimeout    time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// New creates a worker.
func New(cfg Config, q *queue.Client, store *statestore.Store, proc Processor, th TimeoutHandler) *Worker {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:         q,
		store:         store,
		proc:          proc,
		timeouts:      th,
		popTimeout:    cfg.PopTimeout,
		sweepInterval: cfg.SweepInterval,
		logger:        logger.With("component", "worker"),
	}
}

// Run consumes jobs until ctx is cancelled. In-flight pending validations
// are left to their TTL; whichever worker receives their callback resumes
// them.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queue", queue.InputQueue)

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		w.sweepLoop(ctx)
	}()

	for {
		if ctx.Err() != nil {
			break
		}

		raw, err := w.queue.Pop(ctx, w.popTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if err := w.proc.Process(ctx, raw); err != nil {
			w.logger.Error("job processing failed", "error", err)
		}
	}

	<-sweepDone
	w.logger.Info("worker stopped")
	return nil
}

// RunGroup runs each loop in its own goroutine and cancels the rest as
// soon as any of them returns. A consume loop without its callback server
// (or the reverse) must not keep running. Returns the first non-nil error.
func RunGroup(ctx context.Context, loops ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(loops))
	for _, loop := range loops {
		go func(run func(context.Context) error) {
			errCh <- run(ctx)
		}(loop)
	}

	var first error
	for range loops {
		err := <-errCh
		cancel()
		if first == nil && err != nil {
			first = err
		}
	}
	return first
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.Sweep(ctx, w.timeouts.HandleTimeout)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("pending validation sweep failed", "error", err)
			}
			if n > 0 {
				w.logger.Warn("handled validator timeouts", "count", n)
			}
		}
	}
}
