package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ClusterAssign places the post's embedding into the running clustering
// structure. Requires the semantic stage's embedding; without one the
// stage fails softly and no mention is recorded.
type ClusterAssign struct {
	registry ClusterRegistry
	write    ClusterWriter
}

// ClusterRegistry is the registry slice the stage needs.
type ClusterRegistry interface {
	Assign(ctx context.Context, embedding []float32, name string, categoryID int64) (int64, error)
}

// ClusterWriter assigns the cluster to the post row.
type ClusterWriter interface {
	SetCluster(ctx context.Context, id string, clusterID int64) error
}

// NewClusterAssign builds the stage.
func NewClusterAssign(registry ClusterRegistry, write ClusterWriter) *ClusterAssign {
	return &ClusterAssign{registry: registry, write: write}
}

func (c *ClusterAssign) Name() string { return "cluster_assign" }

func (c *ClusterAssign) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()

	if state.Semantic == nil || len(state.Semantic.Embedding) == 0 {
		return StageResult{
			Stage:   c.Name(),
			Success: false,
			Err:     fmt.Errorf("no embedding available for %s", state.Post.ID),
			Latency: time.Since(start),
		}
	}

	var categoryID int64
	if state.Category != nil {
		categoryID = state.Category.CategoryID
	}

	clusterID, err := c.registry.Assign(ctx, state.Semantic.Embedding, clusterName(state), categoryID)
	if err != nil {
		return StageResult{Stage: c.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start)}
	}
	if err := c.write.SetCluster(ctx, state.Post.ID, clusterID); err != nil {
		return StageResult{Stage: c.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start)}
	}

	state.Cluster = &ClusterResult{ClusterID: clusterID}
	return StageResult{Stage: c.Name(), Success: true, Latency: time.Since(start)}
}

// clusterName generates a short name for a newly created cluster from the
// post's keywords, falling back to a title prefix.
func clusterName(state *State) string {
	if state.Semantic != nil && len(state.Semantic.Keywords) > 0 {
		n := len(state.Semantic.Keywords)
		if n > 3 {
			n = 3
		}
		return strings.Join(state.Semantic.Keywords[:n], " ")
	}
	title := strings.TrimSpace(state.Post.Title)
	if len(title) > 48 {
		title = title[:48]
	}
	if title == "" {
		title = "cluster " + state.Post.ID
	}
	return title
}
