package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/llm"
)

// SemanticAnalysis produces the summary, keywords and embedding. The
// summary/keyword call and the embedding call hit different endpoints; a
// failed embedding fails the stage since everything downstream of
// clustering depends on the vector.
type SemanticAnalysis struct {
	llm    LLM
	writer SemanticWriter
}

// SemanticWriter is the store slice the stage writes through.
type SemanticWriter interface {
	SetSemantic(ctx context.Context, id, summary string, keywords []string, embedding []float32) error
}

// NewSemanticAnalysis builds the stage.
func NewSemanticAnalysis(client LLM, writer SemanticWriter) *SemanticAnalysis {
	return &SemanticAnalysis{llm: client, writer: writer}
}

func (s *SemanticAnalysis) Name() string { return "semantic_analysis" }

func (s *SemanticAnalysis) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()
	text := content(state.Post)
	tokens := 0

	summary := ""
	var keywords []string
	res, err := s.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Summarize the post in 1-3 sentences and extract keywords. Respond with JSON {\"summary\": string, \"keywords\": [string]}."},
		{Role: "user", Content: text},
	}, true)
	if err != nil {
		slog.Warn("semantic summary unavailable", "post_id", state.Post.ID, "error", err)
	} else {
		tokens += res.TotalTokens
		summary, keywords = parseSemantic(res.Content)
	}

	embedding, embedTokens, err := s.llm.Embed(ctx, text)
	if err != nil {
		return StageResult{Stage: s.Name(), Success: false, Err: err, Latency: time.Since(start), TokensUsed: tokens}
	}
	tokens += embedTokens

	if err := s.writer.SetSemantic(ctx, state.Post.ID, summary, keywords, embedding); err != nil {
		return StageResult{Stage: s.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
	}

	state.Semantic = &SemanticResult{Summary: summary, Keywords: keywords, Embedding: embedding}
	return StageResult{Stage: s.Name(), Success: true, Latency: time.Since(start), TokensUsed: tokens}
}

// parseSemantic extracts summary and keywords from the model's JSON. A
// keywords field that arrives as a plain string falls back to comma
// splitting; a fully unparseable response yields the raw content as the
// summary.
func parseSemantic(raw string) (string, []string) {
	var verdict struct {
		Summary  string          `json:"summary"`
		Keywords json.RawMessage `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return strings.TrimSpace(raw), nil
	}

	var keywords []string
	if len(verdict.Keywords) > 0 {
		if err := json.Unmarshal(verdict.Keywords, &keywords); err != nil {
			var joined string
			if err := json.Unmarshal(verdict.Keywords, &joined); err == nil {
				keywords = splitKeywords(joined)
			}
		}
	}
	return verdict.Summary, keywords
}

func splitKeywords(joined string) []string {
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
