package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	q, err := New(db)
	if err != nil {
		t.Fatalf("creating queue: %v", err)
	}
	return q
}

func queuePost(id string) post.RawPost {
	return post.RawPost{ID: id, Source: "reddit", SubSource: "startups", Title: "t", Body: "b", CreatedAt: 1700000000}
}

func TestEnqueueClaimComplete(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queuePost("t3_a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.PostID != "t3_a" || job.Status != "running" {
		t.Errorf("job = %+v", job)
	}

	p, err := job.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.ID != "t3_a" {
		t.Errorf("payload id = %s", p.ID)
	}

	// Running job is not claimable again.
	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Errorf("claimed running job: %+v", second)
	}

	if err := q.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Completed != 1 || counts.Waiting != 0 || counts.Active != 0 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestFailRequeuesWithBackoffThenFailsTerminally(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, queuePost("t3_f"))

	job, _ := q.Claim(ctx)
	if err := q.Fail(ctx, job.ID, "stage blew up"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// Re-pended with backoff: not yet due.
	if j, _ := q.Claim(ctx); j != nil {
		t.Error("backoff job should not be claimable immediately")
	}

	counts, _ := q.Counts(ctx)
	if counts.Waiting != 1 {
		t.Errorf("waiting = %d, want 1", counts.Waiting)
	}

	// Force the job due, fail to exhaustion.
	for attempt := 1; attempt < defaultMaxAttempts; attempt++ {
		past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
		if _, err := q.db.Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, past, job.ID); err != nil {
			t.Fatal(err)
		}
		j, err := q.Claim(ctx)
		if err != nil || j == nil {
			t.Fatalf("claim attempt %d: job=%v err=%v", attempt, j, err)
		}
		if err := q.Fail(ctx, j.ID, "still broken"); err != nil {
			t.Fatal(err)
		}
	}

	counts, _ = q.Counts(ctx)
	if counts.Failed != 1 {
		t.Errorf("failed = %d, want 1 after attempts exhausted", counts.Failed)
	}
	if counts.Waiting != 0 {
		t.Errorf("waiting = %d, want 0", counts.Waiting)
	}
}

func TestEnqueueBulkSkipsInFlight(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, queuePost("t3_dup"))

	n, err := q.EnqueueBulk(ctx, []post.RawPost{queuePost("t3_dup"), queuePost("t3_new")})
	if err != nil {
		t.Fatalf("EnqueueBulk: %v", err)
	}
	if n != 1 {
		t.Errorf("enqueued = %d, want 1", n)
	}

	counts, _ := q.Counts(ctx)
	if counts.Waiting != 2 {
		t.Errorf("waiting = %d, want 2", counts.Waiting)
	}
}

func TestPruneKeepsRecentTerminalJobs(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var lastID string
	for i := 0; i < keepCompleted+10; i++ {
		q.Enqueue(ctx, queuePost("t3_"+strconv.Itoa(i)))
		job, _ := q.Claim(ctx)
		lastID = job.ID
		if err := q.Complete(ctx, job.ID); err != nil {
			t.Fatal(err)
		}
	}

	counts, _ := q.Counts(ctx)
	if counts.Completed > keepCompleted {
		t.Errorf("completed = %d, want <= %d", counts.Completed, keepCompleted)
	}
	_ = lastID
}

func TestWorkerProcessesAndRefills(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var handled atomic.Int32
	handler := func(_ context.Context, p post.RawPost) error {
		handled.Add(1)
		return nil
	}

	supplied := false
	refiller := NewRefiller(q, 3, 5)
	refiller.SetRefill(func(_ context.Context, limit int, exclude []string) ([]post.RawPost, error) {
		if supplied {
			return nil, nil
		}
		supplied = true
		return []post.RawPost{queuePost("t3_refill")}, nil
	})

	w := NewWorker(q, handler, refiller, 2, 10*time.Millisecond, nil)

	q.Enqueue(ctx, queuePost("t3_w1"))

	// Drain synchronously via RunOnce until idle.
	for i := 0; i < 10; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	if got := handled.Load(); got != 2 {
		t.Errorf("handled = %d, want 2 (original + refilled)", got)
	}
}

func TestWorkerFailureTriggersRetryPolicy(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	handler := func(_ context.Context, p post.RawPost) error {
		return errors.New("pipeline exploded")
	}
	w := NewWorker(q, handler, nil, 1, 10*time.Millisecond, nil)

	q.Enqueue(ctx, queuePost("t3_err"))

	processed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatal("expected a processed job")
	}

	counts, _ := q.Counts(ctx)
	if counts.Waiting != 1 {
		t.Errorf("waiting = %d, want 1 (re-pended for retry)", counts.Waiting)
	}

	var lastError string
	if err := q.db.QueryRow(`SELECT last_error FROM jobs LIMIT 1`).Scan(&lastError); err != nil {
		t.Fatal(err)
	}
	if lastError != "pipeline exploded" {
		t.Errorf("last_error = %q", lastError)
	}
}

func TestRefillerOnlyBelowThreshold(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	calls := 0
	r := NewRefiller(q, 3, 5)
	r.SetRefill(func(_ context.Context, limit int, exclude []string) ([]post.RawPost, error) {
		calls++
		return nil, nil
	})

	// Depth above threshold: no refill.
	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, queuePost(fmt.Sprintf("t3_%d", i)))
	}
	if err := r.MaybeRefill(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("refill called %d times with deep queue, want 0", calls)
	}

	// Drain to threshold: refill fires.
	for i := 0; i < 3; i++ {
		job, _ := q.Claim(ctx)
		q.Complete(ctx, job.ID)
	}
	if err := r.MaybeRefill(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("refill calls = %d, want 1", calls)
	}
}
