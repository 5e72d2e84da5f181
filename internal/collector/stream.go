package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/reddit"
)

// StreamConfig tunes the continuous streaming mode.
type StreamConfig struct {
	TimeBudget   time.Duration // total run budget
	PollInterval time.Duration // sleep between outer polling loops
	PageLimit    int           // listing page size
}

// StreamNew continuously paginates a subSource's new listing within the
// time budget, emitting watermark-filtered batches on the returned channel.
// Inner pagination halts early once a page's oldest post falls at or below
// the watermark; each emitted batch is self-contained, so the consumer owns
// persistence and a cancelled run loses nothing already yielded.
func (h *Harvester) StreamNew(ctx context.Context, subSource string, wm *Watermark, cfg StreamConfig) <-chan []post.RawPost {
	if cfg.PageLimit <= 0 || cfg.PageLimit > reddit.MaxLimit {
		cfg.PageLimit = reddit.MaxLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	out := make(chan []post.RawPost)
	go func() {
		defer close(out)

		deadline := time.Now().Add(cfg.TimeBudget)
		for {
			if ctx.Err() != nil || !time.Now().Before(deadline) {
				return
			}

			if !h.streamPass(ctx, subSource, wm, cfg, deadline, out) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.PollInterval):
			}
		}
	}()
	return out
}

// streamPass paginates one full pass over the new listing. Returns false
// when the stream should stop.
func (h *Harvester) streamPass(ctx context.Context, subSource string, wm *Watermark, cfg StreamConfig, deadline time.Time, out chan<- []post.RawPost) bool {
	last, err := wm.Get(ctx, subSource)
	if err != nil {
		slog.Warn("reading watermark for stream", "sub_source", subSource, "error", err)
		return true
	}

	after := ""
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}

		idx, cred, err := h.pool.Next(ctx)
		if err != nil {
			return false
		}
		_ = idx
		if err := h.apiBucket.Acquire(ctx, 1); err != nil {
			return false
		}

		listing, err := h.client.Fetch(ctx, cred, reddit.ListingRequest{
			SubSource: subSource,
			Sort:      reddit.SortNew,
			Limit:     cfg.PageLimit,
			After:     after,
		})
		if err != nil {
			slog.Warn("stream page failed", "sub_source", subSource, "error", err)
			return true
		}
		if len(listing.Posts) == 0 {
			return true
		}

		fresh, err := wm.FilterNew(ctx, subSource, listing.Posts)
		if err != nil {
			slog.Warn("filtering stream batch", "sub_source", subSource, "error", err)
			return true
		}
		if len(fresh) > 0 {
			select {
			case out <- fresh:
			case <-ctx.Done():
				return false
			}
		}

		// Oldest post on the page already at or below the previous
		// watermark: everything deeper is history.
		oldest := listing.Posts[len(listing.Posts)-1].CreatedAt
		if oldest <= last {
			return true
		}
		if listing.After == "" {
			return true
		}
		after = listing.After
	}
	return true
}
