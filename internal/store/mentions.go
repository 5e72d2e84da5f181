package store

import (
	"context"
	"fmt"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// InsertMention appends one mention row and rolls it into the matching
// trend window. Mentions are append-only; the primary key rejects a replay
// of the same id.
func (s *Store) InsertMention(ctx context.Context, m post.Mention) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mention transaction: %w", err)
	}
	defer tx.Rollback()

	mentionedAt := m.MentionedAt
	if mentionedAt.IsZero() {
		mentionedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mentions (id, post_id, cluster_id, category_id, sentiment_score, engagement_score, mentioned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PostID, m.ClusterID, m.CategoryID, m.SentimentScore, m.EngagementScore,
		mentionedAt.UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("inserting mention for %s: %w", m.PostID, err)
	}

	day := mentionedAt.UTC().Format("2006-01-02")
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trends (cluster_id, day, mention_count, sentiment_sum, engagement_sum)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(cluster_id, day) DO UPDATE SET
			mention_count = mention_count + 1,
			sentiment_sum = sentiment_sum + excluded.sentiment_sum,
			engagement_sum = engagement_sum + excluded.engagement_sum`,
		m.ClusterID, day, m.SentimentScore, m.EngagementScore); err != nil {
		return fmt.Errorf("updating trend window: %w", err)
	}

	return tx.Commit()
}

// CountMentionsForPost returns the number of mention rows for a post.
func (s *Store) CountMentionsForPost(ctx context.Context, postID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mentions WHERE post_id = ?`, postID).Scan(&n)
	return n, err
}

// MentionExists reports whether the post already has a mention. The
// pipeline uses this for idempotent replays of RecordMention.
func (s *Store) MentionExists(ctx context.Context, postID string) (bool, error) {
	n, err := s.CountMentionsForPost(ctx, postID)
	return n > 0, err
}

// AppendAudit records one stage execution in the audit log.
func (s *Store) AppendAudit(ctx context.Context, postID, stage string, success bool, latency time.Duration, tokens int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (post_id, stage, success, latency_ms, tokens_used, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		postID, stage, success, latency.Milliseconds(), tokens, errMsg,
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}
