// Package llm is the client for the external chat and embedding API
// (OpenAI-compatible). Calls are gated by the shared request and token
// buckets and retried with exponential backoff on transient failures.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTransient marks HTTP 429/5xx and network failures; callers retry these.
var ErrTransient = errors.New("llm: transient failure")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is a chat completion plus its token accounting.
type Result struct {
	Content      string
	PromptTokens int
	TotalTokens  int
}

// Client communicates with an OpenAI-compatible API over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	httpClient *http.Client
}

// New creates a Client for the given endpoint and models.
func New(baseURL, apiKey, chatModel, embedModel string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends messages to the chat model. When jsonOutput is true the API is
// asked for a JSON object response.
func (c *Client) Chat(ctx context.Context, messages []Message, jsonOutput bool) (Result, error) {
	cr := chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: 0.2,
	}
	if jsonOutput {
		cr.ResponseFormat = map[string]string{"type": "json_object"}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("chat request: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return Result{}, fmt.Errorf("chat: %w", err)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, fmt.Errorf("chat: empty choices")
	}

	return Result{
		Content:      out.Choices[0].Message.Content,
		PromptTokens: out.Usage.PromptTokens,
		TotalTokens:  out.Usage.TotalTokens,
	}, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns the embedding vector for text, plus tokens consumed.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, int, error) {
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: text})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embed request: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, 0, fmt.Errorf("embed: %w", err)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, 0, fmt.Errorf("embed: empty data array")
	}
	return out.Data[0].Embedding, out.Usage.TotalTokens, nil
}

// classifyStatus maps non-200 responses to errors, tagging retryable ones
// with ErrTransient.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, msg, ErrTransient)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}
