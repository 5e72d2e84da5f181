// Package collector harvests candidate posts from the forum API under
// per-account quotas: diversified sampling plans, credential rotation,
// durable dedup and watermark-based incremental fetching.
package collector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// KVStore is the cache slice the watermark needs.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Watermark tracks the largest createdAt observed per subSource, so
// already-harvested history is never re-emitted.
type Watermark struct {
	store KVStore
}

// NewWatermark creates a Watermark over the durable cache.
func NewWatermark(store KVStore) *Watermark {
	return &Watermark{store: store}
}

func watermarkKey(subSource string) string {
	return "last_fetch:" + subSource
}

// Get returns the watermark for subSource, zero when unset.
func (w *Watermark) Get(ctx context.Context, subSource string) (int64, error) {
	raw, ok, err := w.store.Get(ctx, watermarkKey(subSource))
	if err != nil {
		return 0, fmt.Errorf("reading watermark for %s: %w", subSource, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed watermark for %s: %w", subSource, err)
	}
	return n, nil
}

// advance raises the watermark to ts. Monotone: a lower ts is ignored.
func (w *Watermark) advance(ctx context.Context, subSource string, ts int64) error {
	current, err := w.Get(ctx, subSource)
	if err != nil {
		return err
	}
	if ts <= current {
		return nil
	}
	if err := w.store.Set(ctx, watermarkKey(subSource), strconv.FormatInt(ts, 10), 0); err != nil {
		return fmt.Errorf("advancing watermark for %s: %w", subSource, err)
	}
	return nil
}

// FilterNew drops posts at or below the subSource's watermark and, when
// anything survives, advances the watermark to the newest survivor. A
// replayed batch therefore yields nothing.
func (w *Watermark) FilterNew(ctx context.Context, subSource string, posts []post.RawPost) ([]post.RawPost, error) {
	last, err := w.Get(ctx, subSource)
	if err != nil {
		return nil, err
	}

	var fresh []post.RawPost
	maxCreated := last
	for _, p := range posts {
		if p.CreatedAt <= last {
			continue
		}
		fresh = append(fresh, p)
		if p.CreatedAt > maxCreated {
			maxCreated = p.CreatedAt
		}
	}

	if len(fresh) > 0 {
		if err := w.advance(ctx, subSource, maxCreated); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}
