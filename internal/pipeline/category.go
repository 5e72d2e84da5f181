package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/llm"
	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// defaultIndustries seeds the candidate list before any categories exist.
var defaultIndustries = []string{
	"Software & SaaS",
	"E-commerce & Retail",
	"Home Services",
	"Health & Wellness",
	"Finance & Insurance",
	"Education",
	"Food & Hospitality",
	"Logistics & Transport",
	"Media & Entertainment",
	"Professional Services",
}

// CategoryAssign selects an industry label from the fixed candidates plus
// every category already created, then find-or-creates it.
type CategoryAssign struct {
	llm   LLM
	repo  CategoryRepo
	write CategoryWriter
}

// CategoryRepo is the category store slice.
type CategoryRepo interface {
	FindOrCreateCategory(ctx context.Context, name, description string, parentID int64) (post.Category, error)
	ListCategoryNames(ctx context.Context) ([]string, error)
}

// CategoryWriter assigns the category to the post row.
type CategoryWriter interface {
	SetCategory(ctx context.Context, id string, categoryID int64) error
}

// NewCategoryAssign builds the stage.
func NewCategoryAssign(client LLM, repo CategoryRepo, write CategoryWriter) *CategoryAssign {
	return &CategoryAssign{llm: client, repo: repo, write: write}
}

func (c *CategoryAssign) Name() string { return "category_assign" }

func (c *CategoryAssign) Run(ctx context.Context, state *State) StageResult {
	start := time.Now()

	existing, err := c.repo.ListCategoryNames(ctx)
	if err != nil {
		return StageResult{Stage: c.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start)}
	}
	candidates := mergeCandidates(defaultIndustries, existing)

	tokens := 0
	name := "Professional Services"
	description := ""
	var parentName string

	res, err := c.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf("Pick the industry this post belongs to. Prefer one of: %s. You may propose a new specific industry with an optional broader parent from the list. Respond with JSON {\"industry\": string, \"description\": string, \"parent\": string or \"\"}.", strings.Join(candidates, "; "))},
		{Role: "user", Content: shortExcerpt(content(state.Post), 2000)},
	}, true)
	if err != nil {
		slog.Warn("category verdict unavailable, using fallback", "post_id", state.Post.ID, "error", err)
	} else {
		tokens = res.TotalTokens
		var verdict struct {
			Industry    string `json:"industry"`
			Description string `json:"description"`
			Parent      string `json:"parent"`
		}
		if jsonErr := json.Unmarshal([]byte(res.Content), &verdict); jsonErr != nil {
			slog.Warn("unparseable category verdict", "post_id", state.Post.ID, "error", jsonErr)
		} else if strings.TrimSpace(verdict.Industry) != "" {
			name = strings.TrimSpace(verdict.Industry)
			description = verdict.Description
			parentName = strings.TrimSpace(verdict.Parent)
		}
	}

	var parentID int64
	if parentName != "" && !strings.EqualFold(parentName, name) {
		parent, err := c.repo.FindOrCreateCategory(ctx, parentName, "", 0)
		if err != nil {
			return StageResult{Stage: c.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
		}
		parentID = parent.ID
	}

	category, err := c.repo.FindOrCreateCategory(ctx, name, description, parentID)
	if err != nil {
		return StageResult{Stage: c.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
	}
	if err := c.write.SetCategory(ctx, state.Post.ID, category.ID); err != nil {
		return StageResult{Stage: c.Name(), Success: false, Err: err, Fatal: true, Latency: time.Since(start), TokensUsed: tokens}
	}

	state.Category = &CategoryResult{CategoryID: category.ID, Name: category.Name}
	return StageResult{Stage: c.Name(), Success: true, Latency: time.Since(start), TokensUsed: tokens}
}

func mergeCandidates(fixed, existing []string) []string {
	seen := make(map[string]struct{}, len(fixed)+len(existing))
	out := make([]string, 0, len(fixed)+len(existing))
	for _, lists := range [][]string{fixed, existing} {
		for _, name := range lists {
			key := strings.ToLower(name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
