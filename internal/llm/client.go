// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/lmchat/internal/cache"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Config holds configuration options for the inference client.
type Config struct {
	// BaseURL of the OpenAI-compatible server, e.g. http://127.0.0.1:1234.
	// Note: prefer an explicit IPv4 address over localhost to avoid IPv6
	// resolution issues on Windows.
	BaseURL string

	// DefaultModel to use when a request leaves the model empty.
	DefaultModel string

	// Temperature applied when a request leaves it zero.
	Temperature float64

	// MaxTokens applied when a request leaves it zero (0 = server default).
	MaxTokens int

	// Timeout for non-streaming requests (default: 30s). Streaming
	// requests have no client timeout; they are controlled via context.
	Timeout time.Duration

	// MetadataTTL is how long model catalog lookups stay cached
	// (default: 60s).
	MetadataTTL time.Duration

	// LookupRate limits metadata lookups (models, describe, probe) in
	// requests per second (default: 5).
	LookupRate float64

	// LookupBurst is the burst size for the lookup limiter (default: 5).
	LookupBurst int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "http://127.0.0.1:1234",
		Timeout:      30 * time.Second,
		MetadataTTL:  60 * time.Second,
		LookupRate:   5,
		LookupBurst:  5,
		Temperature:  0.7,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// maxErrorBodySize bounds how much of an error response body is read.
const maxErrorBodySize = 1 << 20

// Client talks to one OpenAI-compatible chat completions server.
//
// A Client is an explicit value constructed per base URL; there is no
// shared singleton, so reconfiguring the server means constructing a new
// Client rather than mutating hidden state. The Client never retains
// conversation messages; it only forwards content fragments to the
// caller's callback.
//
// The Client is safe for concurrent use.
type Client struct {
	config       *Config
	httpClient   *http.Client
	streamClient *http.Client
	cache        *cache.Cache
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewClient creates a client for the given configuration, filling in
// defaults for any zero values.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:1234"
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MetadataTTL == 0 {
		config.MetadataTTL = 60 * time.Second
	}
	if config.LookupRate <= 0 {
		config.LookupRate = 5
	}
	if config.LookupBurst <= 0 {
		config.LookupBurst = 5
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		// No timeout for streaming - controlled via context.
		streamClient: &http.Client{
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(config.LookupRate), config.LookupBurst),
		logger:  slog.Default(),
	}
}

// WithCache attaches a result cache for metadata lookups.
func (c *Client) WithCache(rc *cache.Cache) *Client {
	c.cache = rc
	return c
}

// WithLogger sets the client logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// BaseURL returns the server base URL this client talks to.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// DeltaFunc receives one content fragment. It is invoked synchronously
// in stream order; the client does not buffer content itself, so the
// caller owns accumulation.
type DeltaFunc func(delta string)

// ChatStream performs a streaming chat completion.
//
// onDelta is called synchronously for each content fragment. A server
// error payload or transport failure terminates the stream and is
// returned once, classified. Cancellation is not a failure: if ctx is
// done before or during the stream, ChatStream stops promptly and
// returns nil, and no further callbacks fire.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onDelta DeltaFunc) error {
	c.fillDefaults(&req)
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return &ClientError{Kind: KindProtocol, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return &ClientError{Kind: KindConnection, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil // cancelled before headers
		}
		return &ClientError{Kind: KindConnection, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.errorFromStatus(resp)
	}

	reader := NewSSEReader(resp.Body).WithLogger(c.logger)
	deltas := 0

	for {
		select {
		case <-ctx.Done():
			return nil // cancelled mid-stream; partial content stands
		default:
		}

		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return nil // read aborted by cancellation
			}
			return &ClientError{Kind: KindConnection, Message: "stream read failed", Cause: err}
		}

		switch ev.Type {
		case EventDelta:
			deltas++
			onDelta(ev.Text)
		case EventError:
			return &ClientError{Kind: KindServer, Message: ev.Message}
		case EventDone:
			// A 2xx body that produced nothing but unparseable lines is
			// not an event stream we understand.
			if deltas == 0 && reader.SkippedLines() > 0 {
				return &ClientError{Kind: KindProtocol, Message: "response body was not a recognizable event stream"}
			}
			return nil
		}
	}
}

// =============================================================================
// NON-STREAMING CHAT
// =============================================================================

// Chat performs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	c.fillDefaults(&req)
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ClientError{Kind: KindProtocol, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Kind: KindConnection, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ClientError{Kind: KindConnection, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromStatus(resp)
	}

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Kind: KindProtocol, Message: "failed to decode response", Cause: err}
	}
	return &result, nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves the ids of all models the server offers.
// Results are cached under the request key for the configured TTL.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	url := c.config.BaseURL + "/v1/models"
	key := cache.Key(http.MethodGet, url, nil, nil)

	if body, ok := c.cacheGet(key); ok {
		if ids, err := parseModelList(body); err == nil {
			return ids, nil
		}
		// Cached body no longer parses; fall through to a fresh fetch.
		c.cache.Invalidate(key)
	}

	body, err := c.getMetadata(ctx, url)
	if err != nil {
		return nil, err
	}

	ids, err := parseModelList(body)
	if err != nil {
		return nil, &ClientError{Kind: KindProtocol, Message: "failed to decode model list", Cause: err}
	}

	c.cacheSet(key, body)
	return ids, nil
}

// DescribeModel retrieves metadata for one model. A nil ModelInfo with a
// nil error means the server does not know the model.
func (c *Client) DescribeModel(ctx context.Context, id string) (*ModelInfo, error) {
	url := c.config.BaseURL + "/v1/models/" + id
	key := cache.Key(http.MethodGet, url, nil, nil)

	if body, ok := c.cacheGet(key); ok {
		var info ModelInfo
		if err := json.Unmarshal(body, &info); err == nil {
			return &info, nil
		}
		c.cache.Invalidate(key)
	}

	body, err := c.getMetadata(ctx, url)
	if err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var info ModelInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &ClientError{Kind: KindProtocol, Message: "failed to decode model info", Cause: err}
	}

	c.cacheSet(key, body)
	return &info, nil
}

// Probe sends a minimal non-streaming request to confirm the model is
// loaded and responsive. Used for pre-flight validation, not content.
func (c *Client) Probe(ctx context.Context, model string) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		return false
	}

	req := ChatRequest{
		Model:     model,
		Messages:  []ChatMessage{NewUserMessage("ping")},
		MaxTokens: 1,
	}
	_, err := c.Chat(ctx, req)
	return err == nil
}

// =============================================================================
// INTERNAL
// =============================================================================

// fillDefaults applies client defaults to zero request fields.
func (c *Client) fillDefaults(req *ChatRequest) {
	if req.Model == "" {
		req.Model = c.config.DefaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = c.config.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.config.MaxTokens
	}
}

// getMetadata performs a rate-limited GET and returns the body.
func (c *Client) getMetadata(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ClientError{Kind: KindConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ClientError{Kind: KindConnection, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromStatus(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return nil, &ClientError{Kind: KindConnection, Message: "failed to read response", Cause: err}
	}
	return body, nil
}

// errorFromStatus builds a KindRequest error from a non-2xx response,
// including the server's message when the body carries one.
func (c *Client) errorFromStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	msg := "request rejected"
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	} else {
		var strErr apiErrorStringResponse
		if err := json.Unmarshal(body, &strErr); err == nil && strErr.Error != "" {
			msg = strErr.Error
		}
	}

	return &ClientError{Kind: KindRequest, Status: resp.StatusCode, Message: msg}
}

// cacheGet reads from the attached cache, if any.
func (c *Client) cacheGet(key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

// cacheSet writes to the attached cache, if any.
func (c *Client) cacheSet(key string, body []byte) {
	if c.cache == nil {
		return
	}
	c.cache.Set(key, body, c.config.MetadataTTL)
}

// parseModelList extracts model ids from a models response body.
func parseModelList(body []byte) ([]string, error) {
	var result modelsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
