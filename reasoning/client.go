// Package reasoning is a small client for hosted or local language-model
// backends. It sends one system+user prompt and returns the text reply;
// callers own parsing. Transient failures are retried with exponential
// backoff and a breaker stops hammering a backend that keeps failing.
package reasoning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/regprobe/guard"
)

// maxResponseSize caps one backend reply.
const maxResponseSize = 1 << 20

// Config selects and tunes a backend.
type Config struct {
	// Provider is one of anthropic, openai, ollama. Empty disables the client.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature *float64      `yaml:"temperature"`

	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = time.Minute
	}
	if c.APIKeyEnv == "" {
		switch c.Provider {
		case "anthropic":
			c.APIKeyEnv = "ANTHROPIC_API_KEY"
		case "openai":
			c.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
}

// Observer receives one call per Complete with its outcome
// ("ok", "error", "circuit_open") and total latency.
type Observer interface {
	ObserveReasoning(provider, outcome string, d time.Duration)
}

// Stats are cumulative counters since the client was built.
type Stats struct {
	Requests     int64 `json:"requests"`
	Failures     int64 `json:"failures"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Client calls one backend.
type Client struct {
	cfg      Config
	adapter  Adapter
	apiKey   string
	http     *http.Client
	breaker  *breaker
	logger   *slog.Logger
	observer Observer

	requests, failures, inTokens, outTokens atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver reports every call to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// New builds a client. An empty Provider yields a disabled client whose
// Complete always returns ErrDisabled.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.defaults()
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		logger:  slog.Default(),
	}
	if cfg.Provider != "" {
		a, err := Lookup(cfg.Provider)
		if err != nil {
			return nil, err
		}
		c.adapter = a
	}
	if cfg.APIKeyEnv != "" {
		c.apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Enabled reports whether a backend is configured.
func (c *Client) Enabled() bool { return c != nil && c.adapter != nil }

// Stats returns cumulative counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		Failures:     c.failures.Load(),
		InputTokens:  c.inTokens.Load(),
		OutputTokens: c.outTokens.Load(),
	}
}

// Complete sends system and prompt and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	start := time.Now()
	if !c.breaker.allow() {
		c.observe("circuit_open", start)
		return "", ErrCircuitOpen
	}
	c.requests.Add(1)

	req := Request{
		Model:       c.cfg.Model,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		resp, err := c.do(ctx, req)
		if err == nil {
			c.breaker.success()
			c.inTokens.Add(int64(resp.InputTokens))
			c.outTokens.Add(int64(resp.OutputTokens))
			c.observe("ok", start)
			return resp.Content, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			break
		}
		c.logger.Debug("reasoning: transient failure, retrying",
			"provider", c.adapter.Name(), "attempt", attempt+1, "error", err)
	}

	c.breaker.failure()
	c.failures.Add(1)
	c.observe("error", start)
	return "", lastErr
}

func (c *Client) do(ctx context.Context, r Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := c.adapter.Body(r)
	if err != nil {
		return nil, fatal(fmt.Errorf("reasoning: build body: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.adapter.Endpoint(c.cfg.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, fatal(fmt.Errorf("reasoning: new request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.adapter.SetHeaders(httpReq, c.apiKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, transient(fmt.Errorf("reasoning: call timeout: %w", err))
		}
		return nil, transient(fmt.Errorf("reasoning: do: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := guard.LimitedReadAll(httpResp.Body, maxResponseSize)
	if errors.Is(err, guard.ErrTooLarge) {
		return nil, fatal(fmt.Errorf("reasoning: %w", err))
	}
	if err != nil {
		return nil, transient(fmt.Errorf("reasoning: read body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}
	resp, err := c.adapter.Parse(respBody)
	if err != nil {
		return nil, fatal(err)
	}
	return resp, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func (c *Client) observe(outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveReasoning(c.adapter.Name(), outcome, time.Since(start))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
