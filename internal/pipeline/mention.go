package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// RecordMention writes the append-only mention row, but only when the
// cluster, category and sentiment stages all succeeded. Replays are
// detected and skipped so a retried pipeline never double-counts.
type RecordMention struct {
	repo MentionRepo
}

// MentionRepo is the mention store slice.
type MentionRepo interface {
	InsertMention(ctx context.Context, m post.Mention) error
	MentionExists(ctx context.Context, postID string) (bool, error)
}

// NewRecordMention builds the stage.
func NewRecordMention(repo MentionRepo) *RecordMention {
	return &RecordMention{repo: repo}
}

func (r *RecordMention) Name() string { return "record_mention" }

func (r *RecordMention) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()

	if state.Cluster == nil || state.Category == nil || state.Sentiment == nil {
		return StageResult{
			Stage:   r.Name(),
			Success: false,
			Err:     fmt.Errorf("mention requires cluster, category and sentiment for %s", state.Post.ID),
			Latency: time.Since(start),
		}
	}

	exists, err := r.repo.MentionExists(ctx, state.Post.ID)
	if err != nil {
		return StageResult{Stage: r.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start)}
	}
	if exists {
		state.MentionRecorded = true
		return StageResult{Stage: r.Name(), Success: true, Latency: time.Since(start)}
	}

	mention := post.Mention{
		ID:              uuid.New().String(),
		PostID:          state.Post.ID,
		ClusterID:       state.Cluster.ClusterID,
		CategoryID:      state.Category.CategoryID,
		SentimentScore:  state.Sentiment.Score,
		EngagementScore: engagementScore(state.Post.Score),
		MentionedAt:     time.Unix(state.Post.CreatedAt, 0).UTC(),
	}
	if state.Post.CreatedAt == 0 {
		mention.MentionedAt = time.Now().UTC()
	}

	if err := r.repo.InsertMention(ctx, mention); err != nil {
		return StageResult{Stage: r.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start)}
	}

	state.MentionRecorded = true
	return StageResult{Stage: r.Name(), Success: true, Latency: time.Since(start)}
}

// engagementScore compresses the raw vote score into a bounded value;
// log damping keeps viral posts from drowning the trend math.
func engagementScore(score int) float64 {
	if score <= 0 {
		return 0
	}
	return math.Log1p(float64(score))
}
