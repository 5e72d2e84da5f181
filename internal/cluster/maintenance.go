package cluster

import (
	"context"
	"fmt"
	"log/slog"
)

// MergeThreshold is the centroid similarity above which two clusters are
// considered duplicates.
const MergeThreshold = 0.95

// RecomputeAll reloads every cluster's member embeddings and resets its
// centroid to their arithmetic mean. Sums accumulate in float64 with a
// single division at the end, so repeated incremental drift is washed out.
// batchSize bounds how many clusters are recomputed between progress logs
// (CENTROID_UPDATE_BATCH_SIZE); <= 0 means one batch.
func (r *Registry) RecomputeAll(ctx context.Context, batchSize int) error {
	clusters, err := r.store.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("loading clusters: %w", err)
	}
	if batchSize <= 0 {
		batchSize = len(clusters)
	}

	for i, c := range clusters {
		if i > 0 && i%batchSize == 0 {
			slog.Info("centroid recompute progress", "done", i, "total", len(clusters))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		members, err := r.store.EmbeddingsByCluster(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			// No processed members yet; incremental state stands.
			continue
		}

		dim := len(c.Centroid)
		sums := make([]float64, dim)
		count := 0
		for id, vec := range members {
			if len(vec) != dim {
				slog.Warn("skipping member with mismatched dimension", "post_id", id, "cluster_id", c.ID)
				continue
			}
			for i := range vec {
				sums[i] += float64(vec[i])
			}
			count++
		}
		if count == 0 {
			continue
		}

		centroid := make([]float32, dim)
		for i := range sums {
			centroid[i] = float32(sums[i] / float64(count))
		}
		if err := r.store.SetCentroid(ctx, c.ID, centroid, count); err != nil {
			return fmt.Errorf("recomputing cluster %d: %w", c.ID, err)
		}
	}
	return nil
}

// MergeSimilar scans centroid pairs and absorbs any cluster whose centroid
// similarity with a larger one exceeds threshold. The smaller cluster's
// posts and mentions migrate to the survivor, whose centroid is recomputed
// from the combined membership.
func (r *Registry) MergeSimilar(ctx context.Context, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = MergeThreshold
	}

	merged := 0
	for {
		clusters, err := r.store.ListClusters(ctx)
		if err != nil {
			return merged, fmt.Errorf("loading clusters: %w", err)
		}

		winner, loser := int64(0), int64(0)
		for i := 0; i < len(clusters) && loser == 0; i++ {
			for j := i + 1; j < len(clusters); j++ {
				if Cosine(clusters[i].Centroid, clusters[j].Centroid) <= threshold {
					continue
				}
				// Larger membership survives; ties go to the older id.
				if clusters[i].MemberCount >= clusters[j].MemberCount {
					winner, loser = clusters[i].ID, clusters[j].ID
				} else {
					winner, loser = clusters[j].ID, clusters[i].ID
				}
				break
			}
		}
		if loser == 0 {
			return merged, nil
		}

		if err := r.mergePair(ctx, winner, loser); err != nil {
			return merged, err
		}
		merged++
		slog.Info("merged clusters", "winner", winner, "loser", loser)
	}
}

// mergePair computes the survivor's post-merge centroid from the combined
// member embeddings and applies the migration in one store transaction.
func (r *Registry) mergePair(ctx context.Context, winnerID, loserID int64) error {
	winnerMembers, err := r.store.EmbeddingsByCluster(ctx, winnerID)
	if err != nil {
		return err
	}
	loserMembers, err := r.store.EmbeddingsByCluster(ctx, loserID)
	if err != nil {
		return err
	}

	winner, err := r.store.GetCluster(ctx, winnerID)
	if err != nil {
		return err
	}

	dim := len(winner.Centroid)
	sums := make([]float64, dim)
	count := 0
	for _, members := range []map[string][]float32{winnerMembers, loserMembers} {
		for _, vec := range members {
			if len(vec) != dim {
				continue
			}
			for i := range vec {
				sums[i] += float64(vec[i])
			}
			count++
		}
	}

	centroid := winner.Centroid
	if count > 0 {
		centroid = make([]float32, dim)
		for i := range sums {
			centroid[i] = float32(sums[i] / float64(count))
		}
	} else {
		// No stored member embeddings; fall back to the membership-weighted
		// mean of the two centroids.
		loser, err := r.store.GetCluster(ctx, loserID)
		if err != nil {
			return err
		}
		wn, ln := float64(winner.MemberCount), float64(loser.MemberCount)
		centroid = make([]float32, dim)
		for i := range centroid {
			centroid[i] = float32((float64(winner.Centroid[i])*wn + float64(loser.Centroid[i])*ln) / (wn + ln))
		}
		count = winner.MemberCount + loser.MemberCount
	}

	return r.store.MergeClusters(ctx, winnerID, loserID, centroid, count)
}

// ReassignOutliers walks every processed post and moves those whose
// embedding is now nearest to a different cluster than the one they were
// assigned. Returns the number of posts moved.
func (r *Registry) ReassignOutliers(ctx context.Context) (int, error) {
	type move struct {
		postID string
		from   int64
		to     int64
	}
	var moves []move

	err := r.store.ProcessedWithEmbeddings(ctx, func(id string, clusterID int64, embedding []float32) error {
		match, err := r.FindNearest(ctx, embedding)
		if err != nil {
			return err
		}
		if match == nil || match.Cluster.ID == clusterID {
			return nil
		}
		moves = append(moves, move{postID: id, from: clusterID, to: match.Cluster.ID})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning for outliers: %w", err)
	}

	for _, m := range moves {
		if err := r.store.ReassignPost(ctx, m.postID, m.from, m.to); err != nil {
			return 0, err
		}
		slog.Debug("reassigned outlier", "post_id", m.postID, "from", m.from, "to", m.to)
	}
	return len(moves), nil
}
