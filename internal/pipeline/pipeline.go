package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soluva78-blip/Soluv-core/internal/llm"
	"github.com/soluva78-blip/Soluv-core/internal/metrics"
	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/store"
)

// LLM is the gated, retried model client stages call.
type LLM interface {
	Chat(ctx context.Context, messages []llm.Message, jsonOutput bool) (llm.Result, error)
	Embed(ctx context.Context, text string) ([]float32, int, error)
}

// Storage is everything the pipeline needs from the relational store.
// *store.Store satisfies it.
type Storage interface {
	ModerationWriter
	ValidityWriter
	ClassificationWriter
	SemanticWriter
	SentimentWriter
	CategoryRepo
	CategoryWriter
	ClusterWriter
	MentionRepo

	GetPost(ctx context.Context, id string) (post.Enriched, error)
	AcquirePostLock(ctx context.Context, p post.RawPost, maxRetries int) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	InsertDerived(ctx context.Context, parentID string, derived post.RawPost) error
	AppendAudit(ctx context.Context, postID, stage string, success bool, latency time.Duration, tokens int, errMsg string) error
}

// Pipeline executes the enrichment stage sequence for one post at a time.
// Multiple posts run in parallel on separate workers; within one post the
// stages are strictly sequential.
type Pipeline struct {
	storage    Storage
	recorder   metrics.Recorder
	maxRetries int

	spam     Stage
	validity Stage
	// downstream runs after the early-termination check, in order.
	downstream []Stage
}

// New wires the pipeline's stage set.
func New(storage Storage, client LLM, registry ClusterRegistry, rec metrics.Recorder, maxRetries int) *Pipeline {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Pipeline{
		storage:    storage,
		recorder:   rec,
		maxRetries: maxRetries,
		spam:       NewSpamCheck(client, storage),
		validity:   NewValidityCheck(client, storage),
		downstream: []Stage{
			NewClassification(client, storage),
			NewSemanticAnalysis(client, storage),
			NewSentimentAnalysis(client, storage),
			NewCategoryAssign(client, storage, storage),
			NewClusterAssign(registry, storage),
			NewRecordMention(storage),
		},
	}
}

// Process runs the full stage sequence for p. It is idempotent: a post
// already processed returns immediately, and a post another worker holds is
// treated as not-our-work rather than an error. Store-write failures
// propagate so the queue retries the job.
func (pl *Pipeline) Process(ctx context.Context, p post.RawPost) error {
	if p.ID == "" {
		return errors.New("post id is required")
	}

	existing, err := pl.storage.GetPost(ctx, p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading post %s: %w", p.ID, err)
	}
	if err == nil && existing.Status == post.StatusProcessed {
		slog.Debug("post already processed", "post_id", p.ID)
		return nil
	}

	locked, err := pl.storage.AcquirePostLock(ctx, p, pl.maxRetries)
	if err != nil {
		return fmt.Errorf("acquiring lock for %s: %w", p.ID, err)
	}
	if !locked {
		// Another worker owns the post, or retries are exhausted.
		slog.Debug("post lock not acquired", "post_id", p.ID)
		return nil
	}

	if err := pl.run(ctx, p); err != nil {
		if markErr := pl.storage.MarkFailed(ctx, p.ID, err.Error()); markErr != nil {
			slog.Error("marking post failed", "post_id", p.ID, "error", markErr)
		}
		return err
	}

	if err := pl.storage.MarkProcessed(ctx, p.ID); err != nil {
		return fmt.Errorf("marking %s processed: %w", p.ID, err)
	}
	return nil
}

// run executes the stage sequence on a locked post.
func (pl *Pipeline) run(ctx context.Context, p post.RawPost) error {
	state := &State{Post: p}

	if err := pl.execStage(ctx, pl.spam, state); err != nil {
		return err
	}
	if err := pl.execStage(ctx, pl.validity, state); err != nil {
		return err
	}

	if pl.shouldStop(state) {
		slog.Info("pipeline terminated early",
			"post_id", p.ID,
			"spam", state.Spam != nil && state.Spam.IsSpam,
			"pii", state.Spam != nil && state.Spam.HasPII,
			"valid", state.Validity == nil || state.Validity.IsValid,
		)
		return nil
	}

	if state.Validity != nil && len(state.Validity.DerivedProblems) > 0 {
		return pl.runDerived(ctx, state)
	}

	for _, stage := range pl.downstream {
		if err := pl.execStage(ctx, stage, state); err != nil {
			return err
		}
	}
	return nil
}

// runDerived processes each derived problem as its own linked record,
// sharing the parent's spam verdict. The parent keeps its validity result
// and terminates without downstream enrichment of its own.
func (pl *Pipeline) runDerived(ctx context.Context, parent *State) error {
	for _, dp := range parent.Validity.DerivedProblems {
		derived := post.RawPost{
			ID:        fmt.Sprintf("%s-Derived-%s", parent.Post.ID, uuid.New().String()),
			Source:    parent.Post.Source,
			SubSource: parent.Post.SubSource,
			Title:     dp.Label,
			Body:      dp.Explanation,
			Author:    parent.Post.Author,
			Score:     parent.Post.Score,
			URL:       parent.Post.URL,
			CreatedAt: parent.Post.CreatedAt,
		}
		if err := pl.storage.InsertDerived(ctx, parent.Post.ID, derived); err != nil {
			return err
		}

		state := &State{
			Post:     derived,
			Spam:     parent.Spam,
			Validity: &ValidityResult{IsValid: true, Reason: dp.Explanation},
		}
		for _, stage := range pl.downstream {
			if err := pl.execStage(ctx, stage, state); err != nil {
				return err
			}
		}
		if err := pl.storage.MarkProcessed(ctx, derived.ID); err != nil {
			return err
		}
		slog.Info("derived problem processed", "parent", parent.Post.ID, "derived", derived.ID, "label", dp.Label)
	}
	return nil
}

// execStage runs one stage, records metrics and audit, and decides whether
// its failure is fatal. Stage-internal failures (LLM, missing upstream
// data) are recorded and skipped; store-write failures and cancellation
// abort the pipeline.
func (pl *Pipeline) execStage(ctx context.Context, stage Stage, state *State) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	res := stage.Run(ctx, state)

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	pl.recorder.RecordStageCall(res.Stage, res.Success, res.Latency, res.TokensUsed)
	if auditErr := pl.storage.AppendAudit(ctx, state.Post.ID, res.Stage, res.Success, res.Latency, res.TokensUsed, errMsg); auditErr != nil {
		slog.Warn("audit write failed", "post_id", state.Post.ID, "stage", res.Stage, "error", auditErr)
	}
	if res.Success {
		if res.Stage == "record_mention" && state.MentionRecorded {
			pl.recorder.RecordMentionCreated()
		}
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if res.Fatal {
		return fmt.Errorf("stage %s: %w", res.Stage, res.Err)
	}

	slog.Warn("stage failed, continuing", "post_id", state.Post.ID, "stage", res.Stage, "error", res.Err)
	return nil
}

// shouldStop applies the early-termination rule: spam or PII, or an
// explicit invalid verdict. A missing validity slot means the check itself
// failed, which counts as "continue".
func (pl *Pipeline) shouldStop(state *State) bool {
	if state.Spam != nil && (state.Spam.IsSpam || state.Spam.HasPII) {
		return true
	}
	if state.Validity != nil && !state.Validity.IsValid {
		return true
	}
	return false
}
