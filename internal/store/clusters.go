package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// CreateCluster inserts a new cluster with member_count 1 and returns its id.
func (s *Store) CreateCluster(ctx context.Context, name string, centroid []float32, categoryID int64, metadata map[string]string) (int64, error) {
	meta := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("encoding cluster metadata: %w", err)
		}
		meta = string(raw)
	}

	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO clusters (name, centroid, member_count, category_id, metadata, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)`,
		name, EncodeVector(centroid), categoryID, meta, now, now)
	if err != nil {
		return 0, fmt.Errorf("creating cluster %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetCluster returns one cluster.
func (s *Store) GetCluster(ctx context.Context, id int64) (post.Cluster, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, centroid, member_count, category_id, metadata FROM clusters WHERE id = ?`, id)
	return scanCluster(row)
}

// ListClusters returns every cluster, centroids decoded.
func (s *Store) ListClusters(ctx context.Context) ([]post.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, centroid, member_count, category_id, metadata FROM clusters ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	defer rows.Close()

	var clusters []post.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func scanCluster(row interface{ Scan(...any) error }) (post.Cluster, error) {
	var c post.Cluster
	var blob []byte
	var meta string
	err := row.Scan(&c.ID, &c.Name, &blob, &c.MemberCount, &c.CategoryID, &meta)
	if err == sql.ErrNoRows {
		return post.Cluster{}, ErrNotFound
	}
	if err != nil {
		return post.Cluster{}, err
	}
	centroid, err := DecodeVector(blob)
	if err != nil {
		return post.Cluster{}, fmt.Errorf("decoding centroid for cluster %d: %w", c.ID, err)
	}
	c.Centroid = centroid
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return post.Cluster{}, fmt.Errorf("parsing metadata for cluster %d: %w", c.ID, err)
		}
	}
	return c, nil
}

// UpdateCentroidCAS writes a new centroid and member count, guarded by the
// expected current count. A concurrent writer that got there first makes
// the guard fail; the caller re-reads and retries. This is the store-side
// serialization point for incremental centroid updates.
func (s *Store) UpdateCentroidCAS(ctx context.Context, id int64, centroid []float32, expectCount, newCount int) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		UPDATE clusters SET centroid = ?, member_count = ?, updated_at = ?
		WHERE id = ? AND member_count = ?`,
		EncodeVector(centroid), newCount, now, id, expectCount)
	if err != nil {
		return fmt.Errorf("updating centroid for cluster %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clusters WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// SetCentroid overwrites centroid and member count unconditionally. Used by
// batch recomputation, which owns the whole cluster while it runs.
func (s *Store) SetCentroid(ctx context.Context, id int64, centroid []float32, memberCount int) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		UPDATE clusters SET centroid = ?, member_count = ?, updated_at = ? WHERE id = ?`,
		EncodeVector(centroid), memberCount, now, id)
	if err != nil {
		return fmt.Errorf("setting centroid for cluster %d: %w", id, err)
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

// MergeClusters reassigns every post and mention from loser into winner,
// deletes the loser, and writes the winner's recomputed centroid, all in
// one transaction.
func (s *Store) MergeClusters(ctx context.Context, winnerID, loserID int64, newCentroid []float32, newCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	if _, err := tx.ExecContext(ctx, `UPDATE posts SET cluster_id = ?, updated_at = ? WHERE cluster_id = ?`, winnerID, now, loserID); err != nil {
		return fmt.Errorf("reassigning posts from cluster %d: %w", loserID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE mentions SET cluster_id = ? WHERE cluster_id = ?`, winnerID, loserID); err != nil {
		return fmt.Errorf("reassigning mentions from cluster %d: %w", loserID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE clusters SET centroid = ?, member_count = ?, updated_at = ? WHERE id = ?`,
		EncodeVector(newCentroid), newCount, now, winnerID); err != nil {
		return fmt.Errorf("updating merged centroid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, loserID); err != nil {
		return fmt.Errorf("deleting cluster %d: %w", loserID, err)
	}
	return tx.Commit()
}

// ReassignPost moves one post between clusters, adjusting both member
// counts in the same transaction.
func (s *Store) ReassignPost(ctx context.Context, postID string, fromCluster, toCluster int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reassign transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	if _, err := tx.ExecContext(ctx, `UPDATE posts SET cluster_id = ?, updated_at = ? WHERE id = ?`, toCluster, now, postID); err != nil {
		return fmt.Errorf("reassigning post %s: %w", postID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE clusters SET member_count = member_count - 1, updated_at = ? WHERE id = ? AND member_count > 0`, now, fromCluster); err != nil {
		return fmt.Errorf("decrementing cluster %d: %w", fromCluster, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE clusters SET member_count = member_count + 1, updated_at = ? WHERE id = ?`, now, toCluster); err != nil {
		return fmt.Errorf("incrementing cluster %d: %w", toCluster, err)
	}
	return tx.Commit()
}
