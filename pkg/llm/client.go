// Package llm provides the gateway to the local Ollama runtime.
//
// All model calls in the engine go through the Gateway interface: the
// two-call insights protocol, single-call chat answers, routing and query
// understanding on the small model, and vision extraction. The gateway
// owns the `think` flag contract: models registered as non-thinking
// (router, understander) receive think=false unconditionally.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mizanlabs/mizan/pkg/httpclient"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 300 * time.Second
	keepAlive      = "5m"
)

// GenerateRequest describes a single completion call.
type GenerateRequest struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int

	// Think requests hidden reasoning from thinking-capable models.
	// Ignored (forced false) for models registered via WithNoThinkModels.
	Think bool

	// Images holds raw image bytes for multimodal models.
	Images [][]byte
}

// GenerateResult is a completed generation.
type GenerateResult struct {
	// Text is the visible completion.
	Text string

	// Thinking is the hidden reasoning trace, when the model produced one.
	// It never leaves the process; callers strip it before persistence.
	Thinking string
}

// Gateway is the uniform call interface to the LLM runtime.
type Gateway interface {
	// Generate produces a full completion.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// GenerateStream yields completion chunks as they arrive.
	GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[string, error]

	// EnsureModel verifies the model is present, pulling it when missing.
	EnsureModel(ctx context.Context, model string) error
}

// Client is the Ollama-backed Gateway.
type Client struct {
	httpClient *httpclient.Client
	baseURL    string
	noThink    map[string]bool

	mu      sync.Mutex
	checked map[string]bool
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets the runtime URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithNoThinkModels registers models that do not support hidden reasoning.
// Calls to these models are forced think=false regardless of the request.
func WithNoThinkModels(models ...string) Option {
	return func(c *Client) {
		for _, m := range models {
			c.noThink[m] = true
		}
	}
}

// WithHTTPTimeout sets the transport timeout. Per-call deadlines still
// apply through the request context.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		)
	}
}

// New creates an Ollama client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultTimeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
		baseURL: defaultBaseURL,
		noThink: make(map[string]bool),
		checked: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate produces a full completion.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := c.EnsureModel(ctx, req.Model); err != nil {
		return nil, err
	}

	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, string(bodyBytes))
	}

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if strings.TrimSpace(apiResp.Response) == "" && apiResp.Thinking == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrBadResponse)
	}

	return &GenerateResult{Text: apiResp.Response, Thinking: apiResp.Thinking}, nil
}

// GenerateStream yields completion chunks as they arrive. Hidden reasoning
// chunks are not yielded; only visible text reaches the caller.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := c.EnsureModel(ctx, req.Model); err != nil {
			yield("", err)
			return
		}

		body, err := json.Marshal(c.buildRequest(req, true))
		if err != nil {
			yield("", fmt.Errorf("failed to marshal request: %w", err))
			return
		}

		resp, err := c.post(ctx, "/api/generate", body)
		if err != nil {
			yield("", classify(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			yield("", fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, string(bodyBytes)))
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					return
				}
				yield("", classify(err))
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var chunk generateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue // skip malformed chunks
			}

			if chunk.Response != "" {
				if !yield(chunk.Response, nil) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}
}

// EnsureModel verifies the model is available, pulling it once when missing.
// The check result is cached per model for the client lifetime.
func (c *Client) EnsureModel(ctx context.Context, model string) error {
	c.mu.Lock()
	if c.checked[model] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	available, err := c.listModels(ctx)
	if err != nil {
		return classify(err)
	}

	if !available[model] {
		slog.Info("Model not present, pulling", "model", model)
		if err := c.pullModel(ctx, model); err != nil {
			return fmt.Errorf("%w: model %q not available and pull failed: %v", ErrUnavailable, model, err)
		}
	}

	c.mu.Lock()
	c.checked[model] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) listModels(ctx context.Context) (map[string]bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags endpoint returned status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}

	available := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		available[m.Name] = true
		// "qwen3:14b" is also addressable as "qwen3" when it is the only tag
		if base, _, ok := strings.Cut(m.Name, ":"); ok {
			available[base] = true
		}
	}
	return available, nil
}

func (c *Client) pullModel(ctx context.Context, model string) error {
	body, err := json.Marshal(map[string]any{"name": model, "stream": false})
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, "/api/pull", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("pull returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(httpReq)
}

// buildRequest creates the wire request, applying the think contract.
func (c *Client) buildRequest(req GenerateRequest, stream bool) *generateRequest {
	think := req.Think
	if c.noThink[req.Model] {
		think = false
	}

	apiReq := &generateRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		System:    req.System,
		Stream:    stream,
		Think:     think,
		KeepAlive: keepAlive,
	}

	options := map[string]any{
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	apiReq.Options = options

	for _, img := range req.Images {
		apiReq.Images = append(apiReq.Images, base64.StdEncoding.EncodeToString(img))
	}

	return apiReq
}

// API types

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Stream    bool           `json:"stream"`
	Think     bool           `json:"think,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done"`
}

// Ensure Client implements Gateway.
var _ Gateway = (*Client)(nil)
