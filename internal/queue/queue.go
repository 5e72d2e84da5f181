// Package queue is the durable at-least-once job queue feeding the
// enrichment pipeline, plus the worker pool and low-water refiller. Jobs
// carry raw posts; retries back off exponentially until attempts are
// exhausted.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soluva78-blip/Soluv-core/internal/post"
)

// Name identifies the orchestrator queue in the jobs table.
const Name = "orchestrator"

const (
	defaultMaxAttempts = 3
	keepCompleted      = 100
	keepFailed         = 50
)

// Job is one unit of enrichment work.
type Job struct {
	ID          string
	Queue       string
	PostID      string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Counts is a snapshot of queue depth.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue stores jobs in SQLite, sharing the relational store's database.
type Queue struct {
	db   *sql.DB
	name string
}

// New creates the queue over db, creating the jobs table when absent.
func New(db *sql.DB) (*Queue, error) {
	q := &Queue{db: db, name: Name}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		post_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		run_after TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (queue, status, run_after)`); err != nil {
		return nil, fmt.Errorf("creating jobs index: %w", err)
	}
	return q, nil
}

// Enqueue adds one raw post to the queue.
func (q *Queue) Enqueue(ctx context.Context, p post.RawPost) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, post_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		id, q.name, p.ID, string(payload), defaultMaxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueueing post %s: %w", p.ID, err)
	}
	return id, nil
}

// EnqueueBulk adds posts whose ids are not already pending or running.
// Returns the number actually enqueued.
func (q *Queue) EnqueueBulk(ctx context.Context, posts []post.RawPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	inflight, err := q.InFlightPostIDs(ctx)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, p := range posts {
		if _, ok := inflight[p.ID]; ok {
			continue
		}
		if _, err := q.Enqueue(ctx, p); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// InFlightPostIDs returns the post ids of all pending and running jobs.
func (q *Queue) InFlightPostIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT post_id FROM jobs WHERE queue = ? AND status IN ('pending', 'running')`, q.name)
	if err != nil {
		return nil, fmt.Errorf("listing in-flight jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// Claim atomically takes the next due pending job, transitioning it to
// running. Returns nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, queue, post_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE queue = ? AND status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, q.name, now).Scan(
		&j.ID, &j.Queue, &j.PostID, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// Complete marks a job done and prunes old terminal jobs.
func (q *Queue) Complete(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return q.prune(ctx)
}

// Fail records a failure. Below the attempt cap the job re-pends with
// exponential backoff; at the cap it becomes terminally failed.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Counts returns the queue depth snapshot.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE queue = ? GROUP BY status`, q.name)
	if err != nil {
		return Counts{}, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch status {
		case "pending":
			c.Waiting = n
		case "running":
			c.Active = n
		case "completed":
			c.Completed = n
		case "failed":
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// prune drops completed jobs beyond the newest keepCompleted and failed
// jobs beyond the newest keepFailed.
func (q *Queue) prune(ctx context.Context) error {
	for _, rule := range []struct {
		status string
		keep   int
	}{
		{"completed", keepCompleted},
		{"failed", keepFailed},
	} {
		if _, err := q.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE queue = ? AND status = ? AND id NOT IN (
				SELECT id FROM jobs WHERE queue = ? AND status = ?
				ORDER BY updated_at DESC LIMIT ?
			)`, q.name, rule.status, q.name, rule.status, rule.keep); err != nil {
			return fmt.Errorf("pruning %s jobs: %w", rule.status, err)
		}
	}
	return nil
}

// DecodePayload parses the job's raw post.
func (j *Job) DecodePayload() (post.RawPost, error) {
	var p post.RawPost
	if err := json.Unmarshal([]byte(j.PayloadJSON), &p); err != nil {
		return post.RawPost{}, fmt.Errorf("parsing payload for job %s: %w", j.ID, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return post.RawPost{}, fmt.Errorf("job %s payload missing post id", j.ID)
	}
	return p, nil
}
