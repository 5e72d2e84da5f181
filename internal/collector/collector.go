package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soluva78-blip/Soluv-core/internal/dedup"
	"github.com/soluva78-blip/Soluv-core/internal/metrics"
	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// throughputKey counts posts fetched in the current minute; the TTL rolls
// the counter every 60s.
const throughputKey = "posts:fetched:current_minute"

// Sink receives harvested posts.
type Sink interface {
	InsertRaw(ctx context.Context, posts []post.RawPost) (int, error)
}

// Enqueuer feeds the enrichment queue.
type Enqueuer interface {
	EnqueueBulk(ctx context.Context, posts []post.RawPost) (int, error)
}

// CounterStore is the cache slice for the throughput counter and the
// subSource-scoped seen sets.
type CounterStore interface {
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	SAddMany(ctx context.Context, key string, members []string) error
}

// Service runs collection cycles: plan, harvest, dedup, persist, enqueue.
type Service struct {
	planner   *Planner
	harvester *Harvester
	index     *dedup.Index
	counters  CounterStore
	sink      Sink
	enqueuer  Enqueuer
	recorder  metrics.Recorder

	subSources []string
	target     int
	cronExpr   string
}

// NewService wires a collection service. enqueuer may be nil when the
// worker pulls from the store instead.
func NewService(planner *Planner, harvester *Harvester, index *dedup.Index, counters CounterStore, sink Sink, enqueuer Enqueuer, rec metrics.Recorder, subSources []string, target int, cronExpr string) *Service {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		planner:    planner,
		harvester:  harvester,
		index:      index,
		counters:   counters,
		sink:       sink,
		enqueuer:   enqueuer,
		recorder:   rec,
		subSources: subSources,
		target:     target,
		cronExpr:   cronExpr,
	}
}

// Run schedules Collect on the configured cron expression and blocks until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cronExpr, func() {
		if err := s.Collect(ctx); err != nil && ctx.Err() == nil {
			slog.Error("collection cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", s.cronExpr, err)
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Collect runs one full collection cycle over the planned strategies.
func (s *Service) Collect(ctx context.Context) error {
	plan := s.planner.Plan(s.subSources, s.target)
	slog.Info("collection cycle starting", "strategies", len(plan), "sub_sources", len(s.subSources))

	totalFetched, totalUnique := 0, 0
	for _, strategy := range plan {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		posts, err := s.harvester.Execute(ctx, strategy)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("strategy execution failed", "sub_source", strategy.SubSource, "sort", strategy.Sort, "error", err)
			continue
		}
		if len(posts) == 0 {
			continue
		}

		unique, err := s.ingest(ctx, strategy.SubSource, posts)
		if err != nil {
			slog.Warn("ingesting batch failed", "sub_source", strategy.SubSource, "error", err)
			continue
		}

		s.recorder.RecordHarvest(strategy.SubSource, len(posts), unique)
		totalFetched += len(posts)
		totalUnique += unique
	}

	slog.Info("collection cycle complete", "fetched", totalFetched, "unique", totalUnique)
	return nil
}

// Ingest runs the dedup-persist-enqueue path for a batch. Exposed so the
// streaming and RSS paths share it.
func (s *Service) Ingest(ctx context.Context, subSource string, posts []post.RawPost) (int, error) {
	return s.ingest(ctx, subSource, posts)
}

func (s *Service) ingest(ctx context.Context, subSource string, posts []post.RawPost) (int, error) {
	ids := make([]string, len(posts))
	byID := make(map[string]post.RawPost, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	freshIDs, err := s.index.FilterUnseen(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(freshIDs) == 0 {
		return 0, nil
	}

	fresh := make([]post.RawPost, 0, len(freshIDs))
	for _, id := range freshIDs {
		fresh = append(fresh, byID[id])
	}

	if _, err := s.sink.InsertRaw(ctx, fresh); err != nil {
		return 0, fmt.Errorf("persisting batch: %w", err)
	}

	// Mark seen only after the store write succeeded, so a failed write
	// does not permanently swallow the posts.
	if err := s.index.AddMany(ctx, freshIDs); err != nil {
		return 0, err
	}
	if err := s.counters.SAddMany(ctx, "seen_posts:"+subSource, freshIDs); err != nil {
		slog.Warn("recording subsource seen set", "sub_source", subSource, "error", err)
	}
	if _, err := s.counters.Incr(ctx, throughputKey, int64(len(fresh)), time.Minute); err != nil {
		slog.Warn("bumping throughput counter", "error", err)
	}

	if s.enqueuer != nil {
		if _, err := s.enqueuer.EnqueueBulk(ctx, fresh); err != nil {
			slog.Warn("enqueueing batch", "error", err)
		}
	}
	return len(fresh), nil
}
