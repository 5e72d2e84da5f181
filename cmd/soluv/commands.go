package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soluva78-blip/Soluv-core/internal/api"
	"github.com/soluva78-blip/Soluv-core/internal/cluster"
	"github.com/soluva78-blip/Soluv-core/internal/collector"
	"github.com/soluva78-blip/Soluv-core/internal/credentials"
	"github.com/soluva78-blip/Soluv-core/internal/dedup"
	"github.com/soluva78-blip/Soluv-core/internal/metrics"
	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/queue"
	"github.com/soluva78-blip/Soluv-core/internal/ratelimit"
	"github.com/soluva78-blip/Soluv-core/internal/reddit"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the enrichment HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the enrichment queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

var (
	collectOnce   bool
	collectStream bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Harvest posts from the configured subsources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCollect(collectOnce, collectStream)
	},
}

var reclusterCmd = &cobra.Command{
	Use:   "recluster",
	Short: "Recompute centroids, merge duplicate clusters, reassign outliers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecluster()
	},
}

func init() {
	collectCmd.Flags().BoolVar(&collectOnce, "once", false, "run one collection cycle and exit")
	collectCmd.Flags().BoolVar(&collectStream, "stream", false, "continuously stream new posts instead of sampled cycles")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServer() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	handler := api.NewHandler(api.Deps{
		Queue:          a.queue,
		Pipeline:       a.pipeline,
		Environment:    a.cfg.App.Env,
		MetricsHandler: metrics.Handler(a.promReg),
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("soluv listening", "addr", addr, "env", a.cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWorker() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	refiller := queue.NewRefiller(a.queue, a.cfg.Pipeline.QueueLowThreshold, a.cfg.Pipeline.RefillBatchSize)
	refiller.SetRefill(func(ctx context.Context, limit int, exclude []string) ([]post.RawPost, error) {
		return a.store.ListUnprocessed(ctx, limit, exclude)
	})

	worker := queue.NewWorker(a.queue, a.pipeline.Process, refiller, a.cfg.Pipeline.Concurrency, 500*time.Millisecond, a.metrics)

	slog.Info("worker starting", "concurrency", a.cfg.Pipeline.Concurrency)
	return worker.Run(ctx)
}

func runCollect(once, stream bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if len(a.cfg.Reddit.Credentials) == 0 {
		return errors.New("no API credentials configured: set ACCOUNTS or REDDIT_CLIENT_ID")
	}

	pool := credentials.NewPool(a.cfg.Reddit.Credentials, a.cache)
	client := reddit.NewClient(a.cfg.Reddit.UserAgent)
	apiBucket := newGate("reddit_api", a.cfg.Collector.APIPerMinute)
	harvester := collector.NewHarvester(client, pool, apiBucket, a.metrics)

	index := dedup.NewIndex(a.cache, "reddit", time.Duration(a.cfg.Storage.CacheTTL)*time.Second)
	if n, err := index.WarmStart(ctx, a.store); err != nil {
		slog.Warn("dedup warm-start incomplete", "seeded", n, "error", err)
	} else {
		slog.Info("dedup index warm", "seeded", n)
	}

	planner := collector.NewPlanner(time.Now().UnixNano())
	svc := collector.NewService(
		planner, harvester, index, a.cache, a.store, a.queue, a.metrics,
		a.cfg.Collector.SubSources, a.cfg.Collector.TargetPerRun, a.cfg.Collector.CronExpr,
	)

	// RSS fallback runs alongside either mode, feeding the same
	// dedup/persist path without spending API quota.
	rssGate := ratelimit.NewGate("rss", 1, 1.0/float64(a.cfg.Collector.RSSPollSeconds))
	rssPoller := collector.NewRSSPoller(rssGate)
	go rssPoller.Run(ctx, a.cfg.Collector.SubSources, time.Duration(a.cfg.Collector.RSSPollSeconds)*time.Second,
		func(ctx context.Context, posts []post.RawPost) error {
			_, err := svc.Ingest(ctx, posts[0].SubSource, posts)
			return err
		})

	if stream {
		return runStream(ctx, a, svc, harvester)
	}
	if once {
		return svc.Collect(ctx)
	}

	err = svc.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runStream consumes the continuous new-post stream for every subsource in
// parallel, restarting each stream when its time budget expires.
func runStream(ctx context.Context, a *app, svc *collector.Service, harvester *collector.Harvester) error {
	wm := collector.NewWatermark(a.cache)
	cfg := collector.StreamConfig{
		TimeBudget:   time.Duration(a.cfg.Collector.StreamBudgetMs) * time.Millisecond,
		PollInterval: time.Duration(a.cfg.Collector.PollIntervalMs) * time.Millisecond,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range a.cfg.Collector.SubSources {
		sub := sub
		g.Go(func() error {
			for ctx.Err() == nil {
				for batch := range harvester.StreamNew(ctx, sub, wm, cfg) {
					if _, err := svc.Ingest(ctx, sub, batch); err != nil {
						slog.Warn("ingesting stream batch", "sub_source", sub, "error", err)
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func runRecluster() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	slog.Info("recomputing centroids")
	if err := a.registry.RecomputeAll(ctx, a.cfg.Pipeline.CentroidUpdateBatchSize); err != nil {
		return fmt.Errorf("recomputing centroids: %w", err)
	}

	merged, err := a.registry.MergeSimilar(ctx, cluster.MergeThreshold)
	if err != nil {
		return fmt.Errorf("merging clusters: %w", err)
	}
	slog.Info("merge pass complete", "merged", merged)

	moved, err := a.registry.ReassignOutliers(ctx)
	if err != nil {
		return fmt.Errorf("reassigning outliers: %w", err)
	}
	slog.Info("outlier pass complete", "moved", moved)
	return nil
}
