package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/config"
	"github.com/soluva78-blip/Soluv-core/internal/credentials"
	"github.com/soluva78-blip/Soluv-core/internal/metrics"
	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/ratelimit"
	"github.com/soluva78-blip/Soluv-core/internal/reddit"
)

// rateLimitCooldown is how long a credential rests after the API
// rate-limits it.
const rateLimitCooldown = 60 * time.Second

// Lister is the slice of the API client the harvester needs.
type Lister interface {
	Fetch(ctx context.Context, cred config.Credential, req reddit.ListingRequest) (reddit.Listing, error)
}

// Harvester executes sampling strategies through the credential pool and
// the API token bucket.
type Harvester struct {
	client    Lister
	pool      *credentials.Pool
	apiBucket *ratelimit.Gate
	recorder  metrics.Recorder
}

// NewHarvester wires the harvester to its gates and pool.
func NewHarvester(client Lister, pool *credentials.Pool, apiBucket *ratelimit.Gate, rec metrics.Recorder) *Harvester {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Harvester{client: client, pool: pool, apiBucket: apiBucket, recorder: rec}
}

// Execute runs one strategy. On a rate-limit error the offending credential
// cools for 60s and the call retries with the next credential, up to pool
// size minus one swaps; exhaustion or any other error yields an empty
// result (the run keeps going, errors are recorded).
func (h *Harvester) Execute(ctx context.Context, s Strategy) ([]post.RawPost, error) {
	req := reddit.ListingRequest{
		SubSource:  s.SubSource,
		Sort:       s.Sort,
		TimeFilter: s.TimeFilter,
		Limit:      s.Limit,
		Count:      s.Offset,
	}

	attempts := h.pool.Size()
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		idx, cred, err := h.pool.Next(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.apiBucket.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		listing, err := h.client.Fetch(ctx, cred, req)
		if err == nil {
			posts := listing.Posts
			if s.AfterUnix > 0 || s.BeforeUnix > 0 {
				posts = filterWindow(posts, s.AfterUnix, s.BeforeUnix)
			}
			return posts, nil
		}
		lastErr = err

		if errors.Is(err, reddit.ErrRateLimited) {
			slog.Warn("credential rate limited, rotating", "index", idx, "sub_source", s.SubSource)
			if cdErr := h.pool.Cooldown(ctx, idx, rateLimitCooldown); cdErr != nil {
				slog.Warn("persisting cooldown failed", "index", idx, "error", cdErr)
			}
			h.recorder.RecordCredentialCooldown(idx)
			continue
		}

		// Non-ratelimit errors do not burn more credentials.
		h.recorder.RecordHarvestError(s.SubSource)
		slog.Warn("strategy failed", "sub_source", s.SubSource, "sort", s.Sort, "error", err)
		return nil, nil
	}

	h.recorder.RecordHarvestError(s.SubSource)
	slog.Warn("all credentials rate limited", "sub_source", s.SubSource, "sort", s.Sort, "error", lastErr)
	return nil, nil
}

// filterWindow keeps posts inside the strategy's [after, before) window.
func filterWindow(posts []post.RawPost, after, before int64) []post.RawPost {
	out := make([]post.RawPost, 0, len(posts))
	for _, p := range posts {
		if after > 0 && p.CreatedAt < after {
			continue
		}
		if before > 0 && p.CreatedAt >= before {
			continue
		}
		out = append(out, p)
	}
	return out
}
