// Package cluster maintains the running clustering structure: a vector
// index over cluster centroids with nearest-neighbor lookup and incremental
// centroid updates. Centroid arithmetic is done in float64 and persisted as
// float32 blobs.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/store"
)

// DefaultThreshold is the minimum cosine similarity for a post to join an
// existing cluster.
const DefaultThreshold = 0.7

// casRetries bounds how often an incremental update retries a lost
// compare-and-set race before giving up.
const casRetries = 5

// Match is a nearest-neighbor hit.
type Match struct {
	Cluster    post.Cluster
	Similarity float64
}

// Registry is the cluster index over the relational store.
type Registry struct {
	store     *store.Store
	threshold float64
}

// NewRegistry creates a Registry with the given similarity threshold
// (DefaultThreshold when <= 0).
func NewRegistry(s *store.Store, threshold float64) *Registry {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Registry{store: s, threshold: threshold}
}

// Threshold returns the registry's similarity threshold.
func (r *Registry) Threshold() float64 {
	return r.threshold
}

// FindNearest returns the single cluster whose centroid is most similar to
// embedding, provided the similarity meets the threshold (>=, not >).
// Returns nil when no cluster qualifies.
func (r *Registry) FindNearest(ctx context.Context, embedding []float32) (*Match, error) {
	clusters, err := r.store.ListClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading clusters: %w", err)
	}

	var best *Match
	for _, c := range clusters {
		sim := Cosine(embedding, c.Centroid)
		if sim < r.threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			c := c
			best = &Match{Cluster: c, Similarity: sim}
		}
	}
	return best, nil
}

// Assign places an embedding into the nearest qualifying cluster, updating
// its centroid incrementally, or creates a new single-member cluster named
// name. Returns the cluster id.
func (r *Registry) Assign(ctx context.Context, embedding []float32, name string, categoryID int64) (int64, error) {
	match, err := r.FindNearest(ctx, embedding)
	if err != nil {
		return 0, err
	}
	if match == nil {
		id, err := r.store.CreateCluster(ctx, name, embedding, categoryID, nil)
		if err != nil {
			return 0, err
		}
		slog.Debug("created cluster", "cluster_id", id, "name", name)
		return id, nil
	}

	if err := r.IncrementalUpdate(ctx, match.Cluster.ID, embedding); err != nil {
		return 0, err
	}
	return match.Cluster.ID, nil
}

// IncrementalUpdate folds one embedding into a cluster's centroid:
// newCentroid[i] = (old[i]*n + e[i]) / (n+1), then n+1 members. The write
// is a compare-and-set on member_count; a lost race re-reads and retries so
// concurrent assignments to the same cluster never drop an update.
func (r *Registry) IncrementalUpdate(ctx context.Context, clusterID int64, embedding []float32) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		c, err := r.store.GetCluster(ctx, clusterID)
		if err != nil {
			return fmt.Errorf("reading cluster %d: %w", clusterID, err)
		}
		if len(c.Centroid) != len(embedding) {
			return fmt.Errorf("dimension mismatch: centroid %d, embedding %d", len(c.Centroid), len(embedding))
		}

		n := float64(c.MemberCount)
		next := make([]float32, len(c.Centroid))
		for i := range next {
			next[i] = float32((float64(c.Centroid[i])*n + float64(embedding[i])) / (n + 1))
		}

		err = r.store.UpdateCentroidCAS(ctx, clusterID, next, c.MemberCount, c.MemberCount+1)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		slog.Debug("centroid update lost race, retrying", "cluster_id", clusterID, "attempt", attempt)
	}
	return fmt.Errorf("cluster %d: centroid update retries exhausted", clusterID)
}

// Cosine computes cosine similarity between two vectors in float64. A zero
// vector or a dimension mismatch yields 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aNormSq, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aNormSq += float64(a[i]) * float64(a[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if aNormSq == 0 || bNormSq == 0 {
		return 0
	}
	return dot / (math.Sqrt(aNormSq) * math.Sqrt(bNormSq))
}
