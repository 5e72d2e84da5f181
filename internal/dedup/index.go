// Package dedup guarantees at-most-once handling of post ids across workers
// and restarts. Membership lives in the durable cache under seen:<source>;
// the TTL is pushed out on every write so hot sources never expire while
// idle ones age out.
package dedup

import (
	"context"
	"fmt"
	"time"
)

// defaultRetention bounds how long seen ids are kept. 90 days matches the
// raw-post retention window upstream.
const defaultRetention = 90 * 24 * time.Hour

// SetStore is the slice of the durable cache the index needs.
type SetStore interface {
	SAdd(ctx context.Context, key, member string) (bool, error)
	SAddMany(ctx context.Context, key string, members []string) error
	SContainsMany(ctx context.Context, key string, members []string) ([]bool, error)
	SCard(ctx context.Context, key string) (int, error)
	ExpireSet(ctx context.Context, key string, ttl time.Duration) error
}

// Index is the dedup set for one source.
type Index struct {
	store     SetStore
	source    string
	retention time.Duration
}

// NewIndex creates an index over the given source's id space. retention
// bounds how long seen ids live (CACHE_TTL_SECONDS); <= 0 uses the 90-day
// default.
func NewIndex(store SetStore, source string, retention time.Duration) *Index {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Index{store: store, source: source, retention: retention}
}

func (x *Index) key() string {
	return "seen:" + x.source
}

// Add records id as seen and reports whether it was new. The underlying
// set-add is a single atomic operation, so Add returns true exactly once per
// id across all workers.
func (x *Index) Add(ctx context.Context, id string) (bool, error) {
	wasNew, err := x.store.SAdd(ctx, x.key(), id)
	if err != nil {
		return false, fmt.Errorf("dedup add %s: %w", id, err)
	}
	if err := x.store.ExpireSet(ctx, x.key(), x.retention); err != nil {
		return wasNew, fmt.Errorf("extending dedup ttl: %w", err)
	}
	return wasNew, nil
}

// AddMany records all ids as seen in one pipelined write.
func (x *Index) AddMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := x.store.SAddMany(ctx, x.key(), ids); err != nil {
		return fmt.Errorf("dedup bulk add: %w", err)
	}
	if err := x.store.ExpireSet(ctx, x.key(), x.retention); err != nil {
		return fmt.Errorf("extending dedup ttl: %w", err)
	}
	return nil
}

// ContainsMany reports, per id, whether it has been seen before. One
// multi-exists query; no per-id round trips.
func (x *Index) ContainsMany(ctx context.Context, ids []string) ([]bool, error) {
	seen, err := x.store.SContainsMany(ctx, x.key(), ids)
	if err != nil {
		return nil, fmt.Errorf("dedup contains: %w", err)
	}
	return seen, nil
}

// FilterUnseen returns only the ids not yet in the index. It does not mark
// them seen; callers add them after a successful downstream write.
func (x *Index) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	seen, err := x.ContainsMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if !seen[i] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Size returns the number of ids currently tracked.
func (x *Index) Size(ctx context.Context) (int, error) {
	return x.store.SCard(ctx, x.key())
}

// IDStreamer yields existing post ids in one pass, for warm-starting the
// index from the raw-post store on boot.
type IDStreamer interface {
	StreamPostIDs(ctx context.Context, source string, fn func(id string) error) error
}

// WarmStart seeds the index from the raw-post store. Ids are batched so one
// pass over a large store stays a bounded number of cache writes.
func (x *Index) WarmStart(ctx context.Context, src IDStreamer) (int, error) {
	const batchSize = 500
	batch := make([]string, 0, batchSize)
	total := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := x.AddMany(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	err := src.StreamPostIDs(ctx, x.source, func(id string) error {
		batch = append(batch, id)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("warm-starting dedup index: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}
