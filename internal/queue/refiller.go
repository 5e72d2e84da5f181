package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// RefillFunc supplies the next batch of unprocessed raw posts, excluding
// the given in-flight ids.
type RefillFunc func(ctx context.Context, limit int, excludeIDs []string) ([]post.RawPost, error)

// Refiller tops up the queue when its depth drops to or below the low-water
// threshold, pulling fresh unprocessed posts from the store.
type Refiller struct {
	queue        *Queue
	lowThreshold int
	batchSize    int

	mu     sync.Mutex
	refill RefillFunc
}

// NewRefiller creates a Refiller. lowThreshold defaults to 3 and batchSize
// to 20 when non-positive.
func NewRefiller(q *Queue, lowThreshold, batchSize int) *Refiller {
	if lowThreshold <= 0 {
		lowThreshold = 3
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Refiller{queue: q, lowThreshold: lowThreshold, batchSize: batchSize}
}

// SetRefill registers the supplier callback. Until one is set, MaybeRefill
// is a no-op.
func (r *Refiller) SetRefill(fn RefillFunc) {
	r.mu.Lock()
	r.refill = fn
	r.mu.Unlock()
}

// MaybeRefill checks queue depth and, when waiting+active has fallen to the
// threshold or below, fetches a batch, drops posts already in flight,
// normalizes authors, and enqueues the rest.
func (r *Refiller) MaybeRefill(ctx context.Context) error {
	r.mu.Lock()
	fn := r.refill
	r.mu.Unlock()
	if fn == nil {
		return nil
	}

	counts, err := r.queue.Counts(ctx)
	if err != nil {
		return err
	}
	if counts.Waiting+counts.Active > r.lowThreshold {
		return nil
	}

	inflight, err := r.queue.InFlightPostIDs(ctx)
	if err != nil {
		return err
	}
	exclude := make([]string, 0, len(inflight))
	for id := range inflight {
		exclude = append(exclude, id)
	}

	batch, err := fn(ctx, r.batchSize, exclude)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	for i := range batch {
		batch[i].Author = post.NormalizeAuthor(batch[i].Author)
	}

	enqueued, err := r.queue.EnqueueBulk(ctx, batch)
	if err != nil {
		return err
	}
	if enqueued > 0 {
		slog.Debug("refilled queue", "enqueued", enqueued, "waiting", counts.Waiting, "active", counts.Active)
	}
	return nil
}
