// Package pipeline runs each raw post through the enrichment stage
// sequence: spam, validity, classification, semantics, sentiment, category,
// cluster, mention. Stages are independent values behind a single Stage
// capability; the pipeline owns ordering, early termination and terminal
// status writes.
package pipeline

import (
	"context"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// State is the mutable record threaded through a post's stage sequence.
// Each stage fills its own slot exactly once; later stages observe nil
// slots when an earlier stage failed.
type State struct {
	Post post.RawPost

	Spam           *SpamResult
	Validity       *ValidityResult
	Classification *ClassificationResult
	Semantic       *SemanticResult
	Sentiment      *SentimentResult
	Category       *CategoryResult
	Cluster        *ClusterResult

	MentionRecorded bool
}

// SpamResult is the moderation verdict.
type SpamResult struct {
	IsSpam bool
	HasPII bool
	Notes  string
}

// DerivedProblem is a sub-problem extracted from a post by the enhanced
// validity check. Each becomes a linked enriched record of its own.
type DerivedProblem struct {
	Label       string `json:"label"`
	Explanation string `json:"explanation"`
	Industry    string `json:"industry"`
}

// ValidityResult reports whether the post states a real problem.
type ValidityResult struct {
	IsValid         bool
	Reason          string
	DerivedProblems []DerivedProblem
}

// ClassificationResult is the coarse problem type.
type ClassificationResult struct {
	Class      post.Classification
	Confidence float64
}

// SemanticResult carries summary, keywords and the embedding vector.
type SemanticResult struct {
	Summary   string
	Keywords  []string
	Embedding []float32
}

// SentimentResult is the tone verdict.
type SentimentResult struct {
	Label      post.Sentiment
	Score      float64
	Confidence float64
}

// CategoryResult is the assigned industry category.
type CategoryResult struct {
	CategoryID int64
	Name       string
}

// ClusterResult is the assigned cluster.
type ClusterResult struct {
	ClusterID  int64
	Similarity float64
	Created    bool
}

// StageResult is the common envelope every stage execution produces.
type StageResult struct {
	Stage      string
	Success    bool
	Err        error
	Fatal      bool // store I/O failed; the job must retry
	Latency    time.Duration
	TokensUsed int
}

// Stage is one enrichment step. Run mutates state on success and returns
// the envelope either way; it must not panic on missing upstream slots.
type Stage interface {
	Name() string
	Run(ctx context.Context, state *State) StageResult
}

// content returns the post text stages analyse.
func content(p post.RawPost) string {
	if p.Body == "" {
		return p.Title
	}
	return p.Title + "\n\n" + p.Body
}
