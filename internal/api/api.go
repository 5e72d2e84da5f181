// Package api is the enrichment ingress: health, async and sync post
// processing, queue status and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/queue"
)

const maxBodySize = 1 << 20 // 1MB

// Processor runs the enrichment pipeline synchronously.
type Processor interface {
	Process(ctx context.Context, p post.RawPost) error
}

// Enqueuer feeds the async path.
type Enqueuer interface {
	Enqueue(ctx context.Context, p post.RawPost) (string, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// Deps carries the handler dependencies.
type Deps struct {
	Queue          Enqueuer
	Pipeline       Processor
	Environment    string
	MetricsHandler http.Handler // optional; mounted at /metrics when set
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/api/process-post", handleProcessPost(deps))
	r.Post("/api/process-post-sync", handleProcessPostSync(deps))
	r.Get("/api/queue/status", handleQueueStatus(deps))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"environment": deps.Environment,
		})
	}
}

type processRequest struct {
	Post post.RawPost `json:"post"`
}

// decodePost parses and validates the request body. A missing id, title or
// body is a 400.
func decodePost(w http.ResponseWriter, r *http.Request) (post.RawPost, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
		return post.RawPost{}, false
	}

	p := req.Post
	if p.ID == "" || p.Title == "" || p.Body == "" {
		httpError(w, http.StatusBadRequest, "invalid_request", "post.id, post.title and post.body are required")
		return post.RawPost{}, false
	}
	if p.Source == "" {
		p.Source = "reddit"
	}
	return p, true
}

func handleProcessPost(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := decodePost(w, r)
		if !ok {
			return
		}

		if _, err := deps.Queue.Enqueue(r.Context(), p); err != nil {
			httpError(w, http.StatusInternalServerError, "queue_error", "enqueueing post: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "postId": p.ID})
	}
}

func handleProcessPostSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := decodePost(w, r)
		if !ok {
			return
		}

		if err := deps.Pipeline.Process(r.Context(), p); err != nil {
			httpError(w, http.StatusInternalServerError, "pipeline_error", "%v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "postId": p.ID})
	}
}

func handleQueueStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Queue.Counts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "queue_error", "reading queue counts: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

// httpError writes the {error, message} envelope.
func httpError(w http.ResponseWriter, status int, kind, format string, args ...any) {
	writeJSON(w, status, map[string]string{
		"error":   kind,
		"message": fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
