package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler executes one job. The returned value is recorded as the job
// result; a returned error marks the job failed.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

const (
	// DefaultConcurrency is the number of concurrent job executors.
	DefaultConcurrency = 4

	// dequeueBlock is the BRPOP block interval; short enough that
	// cancellation is noticed promptly.
	dequeueBlock = 2 * time.Second
)

// Worker pulls jobs off the broker and executes registered handlers with a
// per-job timeout. It installs no signal handlers: lifecycle is the
// caller's, via the context passed to Run, so a worker can be embedded in
// the API process or run standalone.
type Worker struct {
	broker      Broker
	handlers    map[string]Handler
	concurrency int
	logger      *slog.Logger
}

// NewWorker creates a worker with the given executor count.
func NewWorker(broker Broker, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Worker{
		broker:      broker,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// Register binds a handler to a job function name. Not safe to call after
// Run has started.
func (w *Worker) Register(fn string, h Handler) {
	w.handlers[fn] = h
}

// Run executes jobs until ctx is cancelled. It blocks for the worker's
// lifetime and always returns ctx's error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker_started",
		slog.Int("concurrency", w.concurrency),
		slog.Int("registered_handlers", len(w.handlers)))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("worker_stopped")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		job, err := w.broker.Dequeue(ctx, dequeueBlock)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warn("job_dequeue_failed", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		w.execute(ctx, job)
	}
}

// execute runs one job under its timeout and records the outcome.
func (w *Worker) execute(ctx context.Context, job *Job) {
	start := time.Now()
	if err := w.broker.SetStarted(ctx, job.ID); err != nil {
		w.logger.Warn("job_mark_started_failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	result, err := w.run(jobCtx, job)
	if err != nil {
		w.logger.Warn("job_failed",
			slog.String("job_id", job.ID),
			slog.String("func", job.Func),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		if serr := w.broker.SetFailed(ctx, job.ID, err.Error()); serr != nil {
			w.logger.Warn("job_mark_failed_failed",
				slog.String("job_id", job.ID),
				slog.String("error", serr.Error()))
		}
		return
	}

	w.logger.Info("job_finished",
		slog.String("job_id", job.ID),
		slog.String("func", job.Func),
		slog.Duration("duration", time.Since(start)))
	if serr := w.broker.SetFinished(ctx, job.ID, result); serr != nil {
		w.logger.Warn("job_mark_finished_failed",
			slog.String("job_id", job.ID),
			slog.String("error", serr.Error()))
	}
}

// run dispatches to the handler, converting panics into failures.
func (w *Worker) run(ctx context.Context, job *Job) (result any, err error) {
	handler, ok := w.handlers[job.Func]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", job.Func)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	return handler(ctx, job.Args)
}
