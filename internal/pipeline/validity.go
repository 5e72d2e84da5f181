package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/llm"
)

// minContentLength is the shortest input worth sending to the model.
const minContentLength = 10

// tooShortReason matches the reason recorded for under-length posts.
const tooShortReason = "Content too short to be meaningful"

// ValidityCheck decides whether a post states a real problem. The enhanced
// verdict may also derive sub-problems, each of which the pipeline turns
// into a linked record.
type ValidityCheck struct {
	llm    LLM
	writer ValidityWriter
}

// ValidityWriter is the store slice the stage writes through.
type ValidityWriter interface {
	SetValidity(ctx context.Context, id string, isValid bool, reason string) error
}

// NewValidityCheck builds the stage.
func NewValidityCheck(client LLM, writer ValidityWriter) *ValidityCheck {
	return &ValidityCheck{llm: client, writer: writer}
}

func (v *ValidityCheck) Name() string { return "validity_check" }

type validityVerdict struct {
	IsValid         bool             `json:"isValid"`
	IsProblem       *bool            `json:"isProblem"` // legacy field name, same meaning
	Reason          string           `json:"reason"`
	DerivedProblems []DerivedProblem `json:"derivedProblems"`
}

func (v *ValidityCheck) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()
	text := strings.TrimSpace(content(state.Post))

	if len(text) < minContentLength {
		result := &ValidityResult{IsValid: false, Reason: tooShortReason}
		if err := v.writer.SetValidity(ctx, state.Post.ID, false, result.Reason); err != nil {
			return StageResult{Stage: v.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start)}
		}
		state.Validity = result
		return StageResult{Stage: v.Name(), Success: true, Latency: time.Since(start)}
	}

	tokens := 0
	result := &ValidityResult{IsValid: true, Reason: "verdict unavailable"}
	res, err := v.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You judge whether forum posts describe a genuine problem someone has. Respond with JSON: {\"isValid\": bool, \"reason\": string, \"derivedProblems\": [{\"label\": string, \"explanation\": string, \"industry\": string}]}. derivedProblems lists distinct sub-problems when the post contains more than one; otherwise an empty array."},
		{Role: "user", Content: fmt.Sprintf("Post:\n\n%s", text)},
	}, true)
	if err != nil {
		slog.Warn("validity verdict unavailable", "post_id", state.Post.ID, "error", err)
	} else {
		tokens = res.TotalTokens
		var verdict validityVerdict
		if jsonErr := json.Unmarshal([]byte(res.Content), &verdict); jsonErr != nil {
			slog.Warn("unparseable validity verdict", "post_id", state.Post.ID, "error", jsonErr)
		} else {
			isValid := verdict.IsValid
			if verdict.IsProblem != nil {
				isValid = isValid || *verdict.IsProblem
			}
			result = &ValidityResult{
				IsValid:         isValid,
				Reason:          verdict.Reason,
				DerivedProblems: verdict.DerivedProblems,
			}
		}
	}

	if err := v.writer.SetValidity(ctx, state.Post.ID, result.IsValid, result.Reason); err != nil {
		return StageResult{Stage: v.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
	}

	state.Validity = result
	return StageResult{Stage: v.Name(), Success: true, Latency: time.Since(start), TokensUsed: tokens}
}
