package post

import (
	"encoding/json"
	"strings"
	"time"
)

// Status tracks an enriched post through its lifecycle.
type Status string

const (
	StatusUnprocessed Status = "unprocessed"
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusFailed      Status = "failed"
)

// Classification is the coarse problem type assigned by the classifier.
type Classification string

const (
	ClassBug           Classification = "bug"
	ClassFeatureReq    Classification = "feature_request"
	ClassQuestion      Classification = "question"
	ClassDiscussion    Classification = "discussion"
	ClassDocumentation Classification = "documentation"
	ClassOther         Classification = "other"
)

// Sentiment labels the overall tone of a post.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// EmbeddingDim is the fixed dimensionality of semantic embeddings.
const EmbeddingDim = 1536

// RawPost is an ingested but un-enriched post from a source. Immutable once
// harvested; ID is globally unique within the system.
type RawPost struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Author    string            `json:"author"`
	Score     int               `json:"score"`
	URL       string            `json:"url"`
	SubSource string            `json:"subSource"`
	CreatedAt int64             `json:"createdAt"` // unix seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Enriched is a post after traversing the pipeline. Fields written by a
// stage are set at most once per successful pipeline execution.
type Enriched struct {
	ID                       string
	ParentID                 string // set on derived-problem records
	Source                   string
	SubSource                string
	Title                    string
	Body                     string
	Author                   string
	Score                    int
	URL                      string
	Status                   Status
	IsSpam                   bool
	HasPII                   bool
	ModerationNotes          string
	IsValid                  bool
	ValidityReason           string
	Classification           Classification
	ClassificationConfidence float64
	Summary                  string
	Keywords                 []string
	Embedding                []float32
	SentimentLabel           Sentiment
	SentimentScore           float64
	CategoryID               int64
	ClusterID                int64
	RetryCount               int
	ErrorMessage             string
	CreatedAt                time.Time
	UpdatedAt                time.Time
	ProcessingStartedAt      time.Time
	ProcessedAt              time.Time
	FailedAt                 time.Time
}

// Category is a find-or-create industry label. ParentID of 0 means root;
// the parent chain forms a DAG (no cycles).
type Category struct {
	ID          int64
	Name        string
	Description string
	ParentID    int64
}

// Cluster groups posts by embedding proximity. Centroid is the arithmetic
// mean of all member embeddings; MemberCount >= 1 while the cluster lives.
type Cluster struct {
	ID          int64
	Name        string
	Centroid    []float32
	MemberCount int
	CategoryID  int64
	Metadata    map[string]string
}

// Mention is an append-only record tying a processed post to its cluster,
// category and sentiment at ingest time.
type Mention struct {
	ID              string
	PostID          string
	ClusterID       int64
	CategoryID      int64
	SentimentScore  float64
	EngagementScore float64
	MentionedAt     time.Time
}

// NormalizeAuthor flattens the author representations older collector
// versions produced (JSON objects with a name field) to a plain username.
func NormalizeAuthor(author string) string {
	trimmed := strings.TrimSpace(author)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj.Name == "" {
		return trimmed
	}
	return obj.Name
}
