package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestChatParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"isSpam\":false}"}}],"usage":{"prompt_tokens":40,"total_tokens":55}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "gpt-4o-mini", "text-embedding-3-small")
	res, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, true)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != `{"isSpam":false}` {
		t.Errorf("content = %q", res.Content)
	}
	if res.TotalTokens != 55 {
		t.Errorf("tokens = %d, want 55", res.TotalTokens)
	}
}

func TestChat429IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "m", "e")
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, false)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("429 should be transient, got %v", err)
	}
}

func TestChat400IsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "m", "e")
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, false)
	if err == nil || errors.Is(err, ErrTransient) {
		t.Errorf("400 should be terminal, got %v", err)
	}
}

func TestEmbedParsesVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3]}],"usage":{"total_tokens":7}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "m", "e")
	vec, tokens, err := c.Embed(context.Background(), "faucet leaking")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || tokens != 7 {
		t.Errorf("vec len = %d, tokens = %d", len(vec), tokens)
	}
}

// --- Caller ---

type scriptedChatter struct {
	calls atomic.Int32
	errs  []error // errs[i] returned on call i; nil past the end
}

func (s *scriptedChatter) Chat(context.Context, []Message, bool) (Result, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return Result{}, s.errs[n]
	}
	return Result{Content: "ok", TotalTokens: 10}, nil
}

func (s *scriptedChatter) Embed(context.Context, string) ([]float32, int, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return nil, 0, s.errs[n]
	}
	return []float32{1}, 1, nil
}

type openGate struct{ acquired atomic.Int64 }

func (g *openGate) Acquire(_ context.Context, n int) error {
	g.acquired.Add(int64(n))
	return nil
}

func newTestCaller(chatter Chatter) *Caller {
	c := NewCaller(chatter, &openGate{}, &openGate{}, 3, time.Millisecond)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestCallerRetriesTransient(t *testing.T) {
	s := &scriptedChatter{errs: []error{
		fmt.Errorf("boom: %w", ErrTransient),
		fmt.Errorf("boom: %w", ErrTransient),
	}}
	c := newTestCaller(s)

	res, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, false)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("content = %q", res.Content)
	}
	if got := s.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestCallerStopsOnTerminalError(t *testing.T) {
	s := &scriptedChatter{errs: []error{errors.New("bad request")}}
	c := newTestCaller(s)

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := s.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on terminal error)", got)
	}
}

func TestCallerExhaustsRetries(t *testing.T) {
	transient := fmt.Errorf("still down: %w", ErrTransient)
	s := &scriptedChatter{errs: []error{transient, transient, transient}}
	c := newTestCaller(s)

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, false)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("want wrapped transient error, got %v", err)
	}
	if got := s.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestCallerChargesGates(t *testing.T) {
	reqGate := &openGate{}
	tokGate := &openGate{}
	c := NewCaller(&scriptedChatter{}, reqGate, tokGate, 1, time.Millisecond)

	body := make([]byte, 400)
	for i := range body {
		body[i] = 'a'
	}
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: string(body)}}, false)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := reqGate.acquired.Load(); got != 1 {
		t.Errorf("request gate charged %d, want 1", got)
	}
	if got := tokGate.acquired.Load(); got != 100 {
		t.Errorf("token gate charged %d, want 100 (400 chars / 4)", got)
	}
}
