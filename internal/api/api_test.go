package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/queue"
)

type fakeQueue struct {
	enqueued []post.RawPost
	counts   queue.Counts
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, p post.RawPost) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, p)
	return "job-1", nil
}

func (f *fakeQueue) Counts(context.Context) (queue.Counts, error) {
	return f.counts, f.err
}

type fakePipeline struct {
	err       error
	processed []string
}

func (f *fakePipeline) Process(_ context.Context, p post.RawPost) error {
	if f.err != nil {
		return f.err
	}
	f.processed = append(f.processed, p.ID)
	return nil
}

func newTestHandler(q *fakeQueue, p *fakePipeline) http.Handler {
	return NewHandler(Deps{Queue: q, Pipeline: p, Environment: "test"})
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"post": {"id": "t3_x", "title": "Leaking faucet", "body": "It drips constantly.", "subSource": "homeimprovement"}}`

func TestHealth(t *testing.T) {
	h := newTestHandler(&fakeQueue{}, &fakePipeline{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" || resp["environment"] != "test" || resp["timestamp"] == "" {
		t.Errorf("response = %v", resp)
	}
}

func TestProcessPostEnqueues(t *testing.T) {
	q := &fakeQueue{}
	h := newTestHandler(q, &fakePipeline{})

	rec := postJSON(t, h, "/api/process-post", validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(q.enqueued) != 1 || q.enqueued[0].ID != "t3_x" {
		t.Errorf("enqueued = %v", q.enqueued)
	}

	var resp struct {
		Success bool   `json:"success"`
		PostID  string `json:"postId"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success || resp.PostID != "t3_x" {
		t.Errorf("response = %+v", resp)
	}
}

func TestProcessPostValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing id", `{"post": {"title": "t", "body": "b"}}`},
		{"missing title", `{"post": {"id": "x", "body": "b"}}`},
		{"missing body", `{"post": {"id": "x", "title": "t"}}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(&fakeQueue{}, &fakePipeline{})
			rec := postJSON(t, h, "/api/process-post", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var resp map[string]string
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp["error"] == "" || resp["message"] == "" {
				t.Errorf("error envelope missing: %v", resp)
			}
		})
	}
}

func TestProcessPostSync(t *testing.T) {
	p := &fakePipeline{}
	h := newTestHandler(&fakeQueue{}, p)

	rec := postJSON(t, h, "/api/process-post-sync", validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(p.processed) != 1 || p.processed[0] != "t3_x" {
		t.Errorf("processed = %v", p.processed)
	}
}

func TestProcessPostSyncFailureIs500(t *testing.T) {
	p := &fakePipeline{err: errors.New("stage semantic_analysis: store write failed")}
	h := newTestHandler(&fakeQueue{}, p)

	rec := postJSON(t, h, "/api/process-post-sync", validBody)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.Contains(resp["message"], "store write failed") {
		t.Errorf("message = %q", resp["message"])
	}
}

func TestQueueStatus(t *testing.T) {
	q := &fakeQueue{counts: queue.Counts{Waiting: 4, Active: 2, Completed: 10, Failed: 1}}
	h := newTestHandler(q, &fakePipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var counts queue.Counts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if counts != q.counts {
		t.Errorf("counts = %+v, want %+v", counts, q.counts)
	}
}
