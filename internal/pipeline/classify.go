package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/llm"
	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// Classification assigns the coarse problem type. Unparseable verdicts
// default to {other, 0.0}; the stage never fails the pipeline over model
// output.
type Classification struct {
	llm    LLM
	writer ClassificationWriter
}

// ClassificationWriter is the store slice the stage writes through.
type ClassificationWriter interface {
	SetClassification(ctx context.Context, id string, class post.Classification, confidence float64) error
}

// NewClassification builds the stage.
func NewClassification(client LLM, writer ClassificationWriter) *Classification {
	return &Classification{llm: client, writer: writer}
}

func (c *Classification) Name() string { return "classification" }

var validClasses = map[post.Classification]bool{
	post.ClassBug:           true,
	post.ClassFeatureReq:    true,
	post.ClassQuestion:      true,
	post.ClassDiscussion:    true,
	post.ClassDocumentation: true,
	post.ClassOther:         true,
}

func (c *Classification) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()

	result := &ClassificationResult{Class: post.ClassOther, Confidence: 0}
	tokens := 0

	res, err := c.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Classify the forum post. Respond with JSON {\"classification\": one of bug|feature_request|question|discussion|documentation|other, \"confidence\": number in [0,1]}."},
		{Role: "user", Content: content(state.Post)},
	}, true)
	if err != nil {
		slog.Warn("classification verdict unavailable", "post_id", state.Post.ID, "error", err)
	} else {
		tokens = res.TotalTokens
		var verdict struct {
			Classification string  `json:"classification"`
			Confidence     float64 `json:"confidence"`
		}
		if jsonErr := json.Unmarshal([]byte(res.Content), &verdict); jsonErr != nil {
			slog.Warn("unparseable classification", "post_id", state.Post.ID, "error", jsonErr)
		} else if class := post.Classification(verdict.Classification); validClasses[class] {
			result = &ClassificationResult{Class: class, Confidence: clamp01(verdict.Confidence)}
		}
	}

	if err := c.writer.SetClassification(ctx, state.Post.ID, result.Class, result.Confidence); err != nil {
		return StageResult{Stage: c.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
	}

	state.Classification = result
	return StageResult{Stage: c.Name(), Success: true, Latency: time.Since(start), TokensUsed: tokens}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// clampScore bounds sentiment scores to [-1, 1].
func clampScore(f float64) float64 {
	if f < -1 {
		return -1
	}
	if f > 1 {
		return 1
	}
	return f
}

// shortExcerpt truncates text for prompts that only need a preview.
func shortExcerpt(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return fmt.Sprintf("%s…", text[:max])
}
