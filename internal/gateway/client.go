package gateway

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

	"github.com/llmgate/llmgate/internal/metrics"
)

// ErrUpstream covers transport failures and non-2xx answers from the gateway.
var ErrUpstream = errors.New("model gateway unavailable")

const maxErrorBody = 4 << 10

// Message is one chat turn in OpenAI format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the part of a chat completion request the service forwards.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// KeyRequest describes a per-user key to issue.
type KeyRequest struct {
	UserID    string
	Models    []string
	Duration  string
	MaxBudget float64
}

// StatusError carries the status and a truncated body of a failed call.
// It unwraps to ErrUpstream.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// Client talks to a LiteLLM-compatible model gateway using its master key.
type Client struct {
	baseURL    string
	masterKey  string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func New(baseURL, masterKey string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		masterKey:  masterKey,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateKeyRequest struct {
	Models    []string `json:"models"`
	Duration  string   `json:"duration"`
	UserID    string   `json:"user_id"`
	MaxBudget float64  `json:"max_budget"`
}

type generateKeyResponse struct {
	Key string `json:"key"`
}

// GenerateKey asks the gateway for a new key tied to the user id, so the
// gateway's usage log attributes calls made with it to that user.
func (c *Client) GenerateKey(ctx context.Context, req KeyRequest) (string, error) {
	var out generateKeyResponse
	err := c.post(ctx, "generate_key", "/key/generate", generateKeyRequest{
		Models:    req.Models,
		Duration:  req.Duration,
		UserID:    req.UserID,
		MaxBudget: req.MaxBudget,
	}, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&out)
	})
	if err != nil {
		return "", err
	}
	if out.Key == "" {
		return "", fmt.Errorf("gateway generate_key: response has no key: %w", ErrUpstream)
	}
	return out.Key, nil
}

type completionRequest struct {
	ChatRequest
	User string `json:"user"`
}

// Complete forwards a chat completion tagged with the user id and returns the
// gateway's JSON body unchanged.
func (c *Client) Complete(ctx context.Context, req ChatRequest, userID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.post(ctx, "complete", "/v1/chat/completions", completionRequest{
		ChatRequest: req,
		User:        userID,
	}, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&raw)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any, decode func(io.Reader) error) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.GatewayRequestsTotal.WithLabelValues(op, outcome).Inc()
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway %s: marshal request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway %s: create request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.masterKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway %s: %w: %v", op, ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if err := decode(resp.Body); err != nil {
		return fmt.Errorf("gateway %s: decode response: %w: %v", op, ErrUpstream, err)
	}
	return nil
}
