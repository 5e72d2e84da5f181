package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/llm"
)

// PII patterns checked before any text leaves the process.
var (
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern      = regexp.MustCompile(`\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
)

// spamIndicators are matched as lowercase substrings.
var spamIndicators = []string{
	"buy now",
	"click here",
	"free money",
	"limited time",
	"make money fast",
	"work from home",
	"no credit check",
	"100% free",
	"congratulations you",
	"act now",
}

// SpamCheck combines a fixed ruleset with an LLM verdict; either side can
// flag a post. An unparseable or failed LLM verdict degrades to the rule
// result alone and the stage still succeeds.
type SpamCheck struct {
	llm    LLM
	writer ModerationWriter
}

// ModerationWriter is the store slice the stage writes through.
type ModerationWriter interface {
	SetModeration(ctx context.Context, id string, isSpam, hasPII bool, notes string) error
}

// NewSpamCheck builds the stage.
func NewSpamCheck(client LLM, writer ModerationWriter) *SpamCheck {
	return &SpamCheck{llm: client, writer: writer}
}

func (s *SpamCheck) Name() string { return "spam_check" }

type spamVerdict struct {
	IsSpam bool   `json:"isSpam"`
	HasPII bool   `json:"hasPii"`
	Notes  string `json:"notes"`
}

func (s *SpamCheck) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()
	text := content(state.Post)

	ruleSpam, ruleReasons := matchSpamRules(text)
	rulePII := matchPIIRules(text)

	verdict := spamVerdict{}
	tokens := 0
	res, err := s.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You are a content moderator. Respond with a JSON object {\"isSpam\": bool, \"hasPii\": bool, \"notes\": string}."},
		{Role: "user", Content: fmt.Sprintf("Moderate this forum post:\n\n%s", text)},
	}, true)
	if err != nil {
		// Rule verdict still applies; the LLM side degrades to no-op.
		slog.Warn("spam llm verdict unavailable", "post_id", state.Post.ID, "error", err)
	} else {
		tokens = res.TotalTokens
		if jsonErr := json.Unmarshal([]byte(res.Content), &verdict); jsonErr != nil {
			slog.Warn("unparseable spam verdict", "post_id", state.Post.ID, "error", jsonErr)
			verdict = spamVerdict{}
		}
	}

	notes := verdict.Notes
	if ruleSpam && len(ruleReasons) > 0 {
		ruleNote := "matched indicators: " + strings.Join(ruleReasons, ", ")
		if notes == "" {
			notes = ruleNote
		} else {
			notes = notes + "; " + ruleNote
		}
	}

	result := &SpamResult{
		IsSpam: ruleSpam || verdict.IsSpam,
		HasPII: rulePII || verdict.HasPII,
		Notes:  notes,
	}

	if err := s.writer.SetModeration(ctx, state.Post.ID, result.IsSpam, result.HasPII, result.Notes); err != nil {
		return StageResult{Stage: s.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
	}

	state.Spam = result
	return StageResult{Stage: s.Name(), Success: true, Latency: time.Since(start), TokensUsed: tokens}
}

// matchSpamRules reports whether any spam indicator matches, with the
// matched indicators for the moderation notes.
func matchSpamRules(text string) (bool, []string) {
	lower := strings.ToLower(text)
	var matched []string
	for _, indicator := range spamIndicators {
		if strings.Contains(lower, indicator) {
			matched = append(matched, indicator)
		}
	}
	return len(matched) > 0, matched
}

// matchPIIRules reports whether the text contains SSN, email, phone or
// credit-card shaped substrings.
func matchPIIRules(text string) bool {
	return ssnPattern.MatchString(text) ||
		emailPattern.MatchString(text) ||
		phonePattern.MatchString(text) ||
		creditCardPattern.MatchString(text)
}
