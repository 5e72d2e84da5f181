package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/llm"
	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// SentimentAnalysis labels the post's tone. Parse failures default to
// {neutral, 0.0, 0.5}.
type SentimentAnalysis struct {
	llm    LLM
	writer SentimentWriter
}

// SentimentWriter is the store slice the stage writes through.
type SentimentWriter interface {
	SetSentiment(ctx context.Context, id string, label post.Sentiment, score float64) error
}

// NewSentimentAnalysis builds the stage.
func NewSentimentAnalysis(client LLM, writer SentimentWriter) *SentimentAnalysis {
	return &SentimentAnalysis{llm: client, writer: writer}
}

func (s *SentimentAnalysis) Name() string { return "sentiment_analysis" }

var validSentiments = map[post.Sentiment]bool{
	post.SentimentPositive: true,
	post.SentimentNeutral:  true,
	post.SentimentNegative: true,
}

func (s *SentimentAnalysis) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()

	result := &SentimentResult{Label: post.SentimentNeutral, Score: 0, Confidence: 0.5}
	tokens := 0

	res, err := s.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Judge the post's sentiment. Respond with JSON {\"sentiment\": one of positive|neutral|negative, \"score\": number in [-1,1], \"confidence\": number in [0,1]}."},
		{Role: "user", Content: content(state.Post)},
	}, true)
	if err != nil {
		slog.Warn("sentiment verdict unavailable", "post_id", state.Post.ID, "error", err)
	} else {
		tokens = res.TotalTokens
		var verdict struct {
			Sentiment  string  `json:"sentiment"`
			Score      float64 `json:"score"`
			Confidence float64 `json:"confidence"`
		}
		if jsonErr := json.Unmarshal([]byte(res.Content), &verdict); jsonErr != nil {
			slog.Warn("unparseable sentiment", "post_id", state.Post.ID, "error", jsonErr)
		} else if label := post.Sentiment(verdict.Sentiment); validSentiments[label] {
			result = &SentimentResult{
				Label:      label,
				Score:      clampScore(verdict.Score),
				Confidence: clamp01(verdict.Confidence),
			}
		}
	}

	if err := s.writer.SetSentiment(ctx, state.Post.ID, result.Label, result.Score); err != nil {
		return StageResult{Stage: s.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
	}

	state.Sentiment = result
	return StageResult{Stage: s.Name(), Success: true, Latency: time.Since(start), TokensUsed: tokens}
}
