package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soluva78-blip/Soluv-core/internal/metrics"
	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// Handler executes the enrichment pipeline for one raw post. Any returned
// error triggers the queue's retry policy.
type Handler func(ctx context.Context, p post.RawPost) error

// Worker consumes the queue with a pool of concurrent consumers. Each
// consumer claims jobs independently; the pool size is ORCH_CONCURRENCY.
type Worker struct {
	queue       *Queue
	handler     Handler
	refiller    *Refiller
	concurrency int
	poll        time.Duration
	recorder    metrics.Recorder
	logger      *slog.Logger
}

// NewWorker creates a Worker. pollInterval defaults to 500ms when <= 0;
// refiller may be nil.
func NewWorker(q *Queue, handler Handler, refiller *Refiller, concurrency int, pollInterval time.Duration, rec metrics.Recorder) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		refiller:    refiller,
		concurrency: concurrency,
		poll:        pollInterval,
		recorder:    rec,
		logger:      slog.Default(),
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.consume(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		if w.refiller != nil {
			if err := w.refiller.MaybeRefill(ctx); err != nil {
				w.logger.Warn("refill failed", "error", err)
			}
		}
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "post_id", job.PostID, "error", err)
		if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to record job failure", "job_id", job.ID, "error", failErr)
		}
	} else {
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			return true, err
		}
	}

	w.observeDepth(ctx)
	if w.refiller != nil {
		if err := w.refiller.MaybeRefill(ctx); err != nil {
			w.logger.Warn("refill failed", "error", err)
		}
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	p, err := job.DecodePayload()
	if err != nil {
		return err
	}
	return w.handler(ctx, p)
}

func (w *Worker) observeDepth(ctx context.Context) {
	counts, err := w.queue.Counts(ctx)
	if err != nil {
		return
	}
	w.recorder.RecordQueueDepth(counts.Waiting, counts.Active)
}
