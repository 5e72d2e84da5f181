package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/ratelimit"
)

// RSSPoller is the lightweight fallback path: it polls a subSource's public
// RSS feed without spending API quota. Feeds lag the API and omit scores,
// so the poller only supplements the harvester.
type RSSPoller struct {
	parser    *gofeed.Parser
	rssBucket *ratelimit.Gate
	feedURL   func(subSource string) string
}

// NewRSSPoller creates a poller gated by rssBucket.
func NewRSSPoller(rssBucket *ratelimit.Gate) *RSSPoller {
	return &RSSPoller{
		parser:    gofeed.NewParser(),
		rssBucket: rssBucket,
		feedURL: func(subSource string) string {
			return fmt.Sprintf("https://www.reddit.com/r/%s/new/.rss", subSource)
		},
	}
}

// Poll fetches one feed pass for subSource, returning posts in feed order.
func (r *RSSPoller) Poll(ctx context.Context, subSource string) ([]post.RawPost, error) {
	if err := r.rssBucket.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	feed, err := r.parser.ParseURLWithContext(r.feedURL(subSource), ctx)
	if err != nil {
		return nil, fmt.Errorf("polling rss for %s: %w", subSource, err)
	}

	posts := make([]post.RawPost, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || item.GUID == "" {
			continue
		}
		var createdAt int64
		if item.PublishedParsed != nil {
			createdAt = item.PublishedParsed.Unix()
		}
		author := ""
		if item.Author != nil {
			author = item.Author.Name
		}
		posts = append(posts, post.RawPost{
			ID:        item.GUID,
			Source:    "reddit",
			Title:     item.Title,
			Body:      item.Description,
			Author:    author,
			URL:       item.Link,
			SubSource: subSource,
			CreatedAt: createdAt,
			Metadata:  map[string]string{"via": "rss"},
		})
	}

	slog.Debug("rss poll complete", "sub_source", subSource, "items", len(posts))
	return posts, nil
}

// Run polls each subSource in a round-robin loop until ctx is cancelled,
// passing fresh posts to sink. Each Poll waits on the rssBucket, and the loop
// sleeps for interval after every full pass over subSources.
func (r *RSSPoller) Run(ctx context.Context, subSources []string, interval time.Duration, sink func(ctx context.Context, posts []post.RawPost) error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		for _, sub := range subSources {
			if ctx.Err() != nil {
				return
			}
			posts, err := r.Poll(ctx, sub)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("rss poll failed", "sub_source", sub, "error", err)
				continue
			}
			if len(posts) == 0 {
				continue
			}
			if err := sink(ctx, posts); err != nil {
				slog.Warn("rss sink failed", "sub_source", sub, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
