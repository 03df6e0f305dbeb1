// Package engine – ollama.go is the HTTP client for the local Ollama
// daemon: generation, embeddings, and health probes. Generation calls
// run behind a circuit breaker so a wedged model doesn't stall every
// query in the queue behind its timeout.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Engine errors surfaced to the query path.
var (
	// ErrUnavailable means the engine cannot serve right now: daemon
	// down, circuit open, or model missing.
	ErrUnavailable = errors.New("answer engine unavailable")

	// ErrEmptyResponse means generation succeeded but produced no text.
	ErrEmptyResponse = errors.New("engine returned empty response")
)

// Options configures the Ollama client and generation parameters.
type Options struct {
	Host           string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	NumCtx         int
	NumPredict     int
}

// Client talks to one Ollama instance.
type Client struct {
	baseURL    string
	opts       Options
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient creates an Ollama client. The HTTP client carries no
// global timeout; each call gets a context deadline instead, so a
// long generation does not inherit a short health-probe budget.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ollama",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("engine circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL: strings.TrimSuffix(opts.Host, "/"),
		opts:    opts,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breaker,
		logger:  logger.With("component", "ollama"),
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Generate runs one completion. The context is capped at the
// configured timeout; circuit-open maps to ErrUnavailable.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (any, error) {
		req := generateRequest{
			Model:  c.opts.Model,
			Prompt: prompt,
			System: system,
			Stream: false,
			Options: map[string]any{
				"num_ctx":     c.opts.NumCtx,
				"num_predict": c.opts.NumPredict,
			},
		}

		var resp generateResponse
		if err := c.post(ctx, "/api/generate", req, &resp); err != nil {
			return nil, err
		}
		return resp.Response, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return "", err
	}

	text := strings.TrimSpace(result.(string))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Embed returns one embedding vector per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var resp embedResponse
	err := c.post(ctx, "/api/embed", embedRequest{
		Model: c.opts.EmbeddingModel,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d inputs",
			len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Health probes the daemon with a short deadline, independent of the
// generation timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
