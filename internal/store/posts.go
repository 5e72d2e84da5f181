package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

const timeFormat = time.RFC3339

// InsertRaw stores harvested posts with status unprocessed. Already-known
// ids are ignored, so the collector can replay batches safely. Returns the
// number of newly inserted rows.
func (s *Store) InsertRaw(ctx context.Context, posts []post.RawPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO posts (id, source, sub_source, title, body, author, score, url, raw_created_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'unprocessed', ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeFormat)
	inserted := 0
	for _, p := range posts {
		res, err := stmt.ExecContext(ctx, p.ID, p.Source, p.SubSource, p.Title, p.Body, p.Author, p.Score, p.URL, p.CreatedAt, now, now)
		if err != nil {
			return 0, fmt.Errorf("inserting post %s: %w", p.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

// enrichedColumns is the scan list shared by the post readers.
const enrichedColumns = `id, parent_id, source, sub_source, title, body, author, score, url,
	status, is_spam, has_pii, moderation_notes, is_valid, validity_reason,
	classification, classification_confidence, summary, keywords, embedding,
	sentiment_label, sentiment_score, category_id, cluster_id, retry_count,
	error_message, raw_created_at, created_at, updated_at,
	processing_started_at, processed_at, failed_at`

func scanEnriched(row interface{ Scan(...any) error }) (post.Enriched, error) {
	var e post.Enriched
	var keywords string
	var embedding []byte
	var createdAt, updatedAt, processingStartedAt, processedAt, failedAt string
	var rawCreatedAt int64
	err := row.Scan(
		&e.ID, &e.ParentID, &e.Source, &e.SubSource, &e.Title, &e.Body, &e.Author, &e.Score, &e.URL,
		&e.Status, &e.IsSpam, &e.HasPII, &e.ModerationNotes, &e.IsValid, &e.ValidityReason,
		&e.Classification, &e.ClassificationConfidence, &e.Summary, &keywords, &embedding,
		&e.SentimentLabel, &e.SentimentScore, &e.CategoryID, &e.ClusterID, &e.RetryCount,
		&e.ErrorMessage, &rawCreatedAt, &createdAt, &updatedAt,
		&processingStartedAt, &processedAt, &failedAt,
	)
	if err == sql.ErrNoRows {
		return post.Enriched{}, ErrNotFound
	}
	if err != nil {
		return post.Enriched{}, err
	}

	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &e.Keywords); err != nil {
			return post.Enriched{}, fmt.Errorf("parsing keywords for %s: %w", e.ID, err)
		}
	}
	if len(embedding) > 0 {
		vec, err := DecodeVector(embedding)
		if err != nil {
			return post.Enriched{}, fmt.Errorf("decoding embedding for %s: %w", e.ID, err)
		}
		e.Embedding = vec
	}
	for _, pair := range []struct {
		raw string
		dst *time.Time
	}{
		{createdAt, &e.CreatedAt},
		{updatedAt, &e.UpdatedAt},
		{processingStartedAt, &e.ProcessingStartedAt},
		{processedAt, &e.ProcessedAt},
		{failedAt, &e.FailedAt},
	} {
		if pair.raw == "" {
			continue
		}
		t, err := time.Parse(timeFormat, pair.raw)
		if err != nil {
			return post.Enriched{}, fmt.Errorf("parsing timestamp for %s: %w", e.ID, err)
		}
		*pair.dst = t
	}
	return e, nil
}

// GetPost returns the post row for id.
func (s *Store) GetPost(ctx context.Context, id string) (post.Enriched, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+enrichedColumns+` FROM posts WHERE id = ?`, id)
	return scanEnriched(row)
}

// AcquirePostLock reserves a post for processing. It upserts the row when
// absent and atomically transitions unprocessed|failed → processing; a
// failed post is only eligible while retry_count < maxRetries. Returns true
// exactly once per epoch: concurrent callers race on the conditional update
// and only one sees a changed row.
func (s *Store) AcquirePostLock(ctx context.Context, p post.RawPost, maxRetries int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning lock transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO posts (id, source, sub_source, title, body, author, score, url, raw_created_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'unprocessed', ?, ?)`,
		p.ID, p.Source, p.SubSource, p.Title, p.Body, p.Author, p.Score, p.URL, p.CreatedAt, now, now); err != nil {
		return false, fmt.Errorf("upserting post %s: %w", p.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE posts
		SET status = 'processing', processing_started_at = ?, updated_at = ?
		WHERE id = ?
		  AND (status = 'unprocessed' OR (status = 'failed' AND retry_count < ?))`,
		now, now, p.ID, maxRetries)
	if err != nil {
		return false, fmt.Errorf("reserving post %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing lock: %w", err)
	}
	return n == 1, nil
}

// MarkProcessed transitions a post to its terminal processed state.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = 'processed', processed_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("marking %s processed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a pipeline failure and increments the retry counter in
// the same statement, so concurrent releases cannot lose an increment.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET status = 'failed', failed_at = ?, updated_at = ?, error_message = ?, retry_count = retry_count + 1
		WHERE id = ?`,
		now, now, errMsg, id)
	if err != nil {
		return fmt.Errorf("marking %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetModeration writes the spam-check result.
func (s *Store) SetModeration(ctx context.Context, id string, isSpam, hasPII bool, notes string) error {
	return s.updatePost(ctx, id, `is_spam = ?, has_pii = ?, moderation_notes = ?`, isSpam, hasPII, notes)
}

// SetValidity writes the validity-check result.
func (s *Store) SetValidity(ctx context.Context, id string, isValid bool, reason string) error {
	return s.updatePost(ctx, id, `is_valid = ?, validity_reason = ?`, isValid, reason)
}

// SetClassification writes the classification result.
func (s *Store) SetClassification(ctx context.Context, id string, class post.Classification, confidence float64) error {
	return s.updatePost(ctx, id, `classification = ?, classification_confidence = ?`, string(class), confidence)
}

// SetSemantic writes summary, keywords and embedding.
func (s *Store) SetSemantic(ctx context.Context, id, summary string, keywords []string, embedding []float32) error {
	kw, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("encoding keywords: %w", err)
	}
	return s.updatePost(ctx, id, `summary = ?, keywords = ?, embedding = ?`, summary, string(kw), EncodeVector(embedding))
}

// SetSentiment writes the sentiment result.
func (s *Store) SetSentiment(ctx context.Context, id string, label post.Sentiment, score float64) error {
	return s.updatePost(ctx, id, `sentiment_label = ?, sentiment_score = ?`, string(label), score)
}

// SetCategory assigns the post's category.
func (s *Store) SetCategory(ctx context.Context, id string, categoryID int64) error {
	return s.updatePost(ctx, id, `category_id = ?`, categoryID)
}

// SetCluster assigns the post's cluster.
func (s *Store) SetCluster(ctx context.Context, id string, clusterID int64) error {
	return s.updatePost(ctx, id, `cluster_id = ?`, clusterID)
}

func (s *Store) updatePost(ctx context.Context, id, setClause string, args ...any) error {
	now := time.Now().UTC().Format(timeFormat)
	args = append(args, now, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET `+setClause+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating post %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertDerived creates a linked record for a derived problem. The derived
// row starts in processing state; downstream stages fill it like a normal
// post.
func (s *Store) InsertDerived(ctx context.Context, parentID string, derived post.RawPost) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, parent_id, source, sub_source, title, body, author, score, url, raw_created_at, status, processing_started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'processing', ?, ?, ?)`,
		derived.ID, parentID, derived.Source, derived.SubSource, derived.Title, derived.Body,
		derived.Author, derived.Score, derived.URL, derived.CreatedAt, now, now, now)
	if err != nil {
		return fmt.Errorf("inserting derived post %s: %w", derived.ID, err)
	}
	return nil
}

// ListUnprocessed returns up to limit posts awaiting enrichment, oldest
// first, excluding the given in-flight ids.
func (s *Store) ListUnprocessed(ctx context.Context, limit int, excludeIDs []string) ([]post.RawPost, error) {
	builder := sq.Select("id", "source", "sub_source", "title", "body", "author", "score", "url", "raw_created_at").
		From("posts").
		Where(sq.Eq{"status": "unprocessed"}).
		OrderBy("raw_created_at ASC").
		Limit(uint64(limit))
	if len(excludeIDs) > 0 {
		builder = builder.Where(sq.NotEq{"id": excludeIDs})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building unprocessed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed posts: %w", err)
	}
	defer rows.Close()

	var posts []post.RawPost
	for rows.Next() {
		var p post.RawPost
		if err := rows.Scan(&p.ID, &p.Source, &p.SubSource, &p.Title, &p.Body, &p.Author, &p.Score, &p.URL, &p.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// StreamPostIDs yields every post id for source in one pass, for dedup
// warm-start. The ids are read in full before fn runs, so fn may query the
// store.
func (s *Store) StreamPostIDs(ctx context.Context, source string, fn func(id string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM posts WHERE source = ?`, source)
	if err != nil {
		return fmt.Errorf("streaming post ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// CountByStatus returns post counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[post.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting posts: %w", err)
	}
	defer rows.Close()

	out := make(map[post.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[post.Status(status)] = n
	}
	return out, rows.Err()
}

// EmbeddingsByCluster returns (postID, embedding) pairs for every processed
// member of the cluster. Used by centroid recomputation.
func (s *Store) EmbeddingsByCluster(ctx context.Context, clusterID int64) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM posts
		WHERE cluster_id = ? AND status = 'processed' AND embedding IS NOT NULL`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("loading cluster %d embeddings: %w", clusterID, err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// ProcessedWithEmbeddings streams processed posts that carry an embedding,
// for the outlier-reassignment job. The rows are read in full before fn
// runs, so fn may query the store.
func (s *Store) ProcessedWithEmbeddings(ctx context.Context, fn func(id string, clusterID int64, embedding []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, embedding FROM posts
		WHERE status = 'processed' AND embedding IS NOT NULL AND cluster_id != 0`)
	if err != nil {
		return fmt.Errorf("streaming processed posts: %w", err)
	}
	defer rows.Close()

	type row struct {
		id        string
		clusterID int64
		vec       []float32
	}
	var buffered []row
	for rows.Next() {
		var id string
		var clusterID int64
		var blob []byte
		if err := rows.Scan(&id, &clusterID, &blob); err != nil {
			return err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		buffered = append(buffered, row{id: id, clusterID: clusterID, vec: vec})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, r := range buffered {
		if err := fn(r.id, r.clusterID, r.vec); err != nil {
			return err
		}
	}
	return nil
}
