package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradequorum/tradequorum/internal/metrics"
)

// Provider identifiers accepted in configuration.
const (
	ProviderGroq     = "groq"
	ProviderQwen     = "qwen"
	ProviderDeepSeek = "deepseek"
	ProviderCustom   = "custom"
)

// Default endpoints for the built-in providers. All speak the OpenAI
// chat-completions wire format.
var providerEndpoints = map[string]string{
	ProviderGroq:     "https://api.groq.com/openai/v1/chat/completions",
	ProviderQwen:     "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions",
	ProviderDeepSeek: "https://api.deepseek.com/v1/chat/completions",
}

// Default models used when the configuration does not name one.
var providerDefaultModels = map[string]string{
	ProviderGroq:     "llama-3.3-70b-versatile",
	ProviderQwen:     "qwen-plus",
	ProviderDeepSeek: "deepseek-chat",
}

const (
	defaultTemperature = 0.5
	defaultMaxTokens   = 4000

	requestTimeout      = 120 * time.Second
	largeModelTimeout   = 180 * time.Second
	maxAttempts         = 5
	maxIdleConnsPerHost = 2
)

// backoffSchedule is the wait before each retry, in attempt order.
var backoffSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	30 * time.Second,
}

// Circuit breaker settings for completion calls. AI providers recover
// slowly, so the open interval is generous.
const (
	breakerMinRequests  = 3
	breakerFailureRatio = 0.6
	breakerOpenTimeout  = 60 * time.Second
	breakerHalfOpenMax  = 2
	breakerCountWindow  = 10 * time.Second
)

// ClientConfig describes one completion provider endpoint.
type ClientConfig struct {
	Provider    string  `json:"provider"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// RequestsPerMinute throttles outbound calls, 0 disables the limiter.
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
}

// Client is a retrying chat-completion client over an OpenAI-compatible HTTP
// endpoint. Safe for concurrent use.
type Client struct {
	provider    string
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
}

// NewClient builds a client for the configured provider. The HTTP transport
// keeps a small keep-alive pool shared by all agents using this client.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = providerEndpoints[cfg.Provider]
	}
	if endpoint == "" {
		return nil, fmt.Errorf("provider %q requires a base URL", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %q requires an API key", cfg.Provider)
	}

	model := cfg.Model
	if model == "" {
		model = providerDefaultModels[cfg.Provider]
	}
	if model == "" {
		return nil, fmt.Errorf("provider %q requires a model name", cfg.Provider)
	}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	// Larger models need more headroom per request
	timeout := requestTimeout
	if strings.Contains(model, "70b") {
		timeout = largeModelTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("completion-%s", cfg.Provider),
		MaxRequests: breakerHalfOpenMax,
		Interval:    breakerCountWindow,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Completion circuit breaker state changed")
		},
	})

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	return &Client{
		provider:    cfg.Provider,
		endpoint:    endpoint,
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
			},
		},
		breaker: breaker,
		limiter: limiter,
	}, nil
}

// Model returns the model identifier this client is configured for.
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion and returns the reply text. Transient
// network failures are retried up to five times on a fixed backoff schedule;
// provider rejections propagate immediately.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.AIRetries.WithLabelValues(c.provider).Inc()
			backoff := backoffSchedule[attempt-1]
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt+1).
				Int("max_attempts", maxAttempts).
				Dur("backoff", backoff).
				Str("model", c.model).
				Msg("Completion failed, retrying with backoff")

			select {
			case <-ctx.Done():
				return "", fmt.Errorf("completion cancelled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		text, err := c.completeOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Str("model", c.model).
					Msg("Completion succeeded after retry")
			}
			return text, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("completion failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) completeOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	started := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, systemPrompt, userPrompt)
	})
	metrics.AIRequestDuration.WithLabelValues(c.provider).Observe(time.Since(started).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", fmt.Errorf("completion circuit open: %w", err)
		}
		return "", classify(err)
	}

	return result.(string), nil
}

func (c *Client) doRequest(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncateBody(body []byte) string {
	const limit = 500
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
