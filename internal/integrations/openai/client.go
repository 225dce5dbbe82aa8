// Package openai calls an OpenAI-compatible Chat Completions endpoint to
// classify chat messages. The router owns the prompt; this package only
// moves it over the wire and returns the JSON content the model produced.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"zela-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 15 * time.Second
	defaultMaxTokens = 512

	tokenParamSuffix = "/open-ai-token"
	errorBodyLimit   = 4096
	responseLimit    = 1 << 20

	routingInstruction = "You route personal finance chat messages to operations. Answer with exactly one JSON object and nothing else."
)

// ErrTruncated means the model hit the token limit before finishing its
// answer, so the content is not valid JSON.
var ErrTruncated = errors.New("openai: completion truncated by token limit")

// Getter reads a parameter by its full name.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// APIError is a non-2xx answer from the completion service.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openai: status %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// HTTPStatusCode lets retry and error classification read the status
// without importing this package.
func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends routing prompts to the completion service.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	key         *apiKey
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimSpace(baseURL); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

// WithTemperature sets the sampling temperature. Routing wants 0.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		if t >= 0 {
			c.temperature = t
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClient creates a Client whose API key is stored as {"token": ...}
// under paramPrefix + "/open-ai-token".
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		maxTokens:  defaultMaxTokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
		key:        &apiKey{getter: ps, name: paramPrefix + tokenParamSuffix},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete sends prompt after the routing instruction and returns the
// content of the first choice. The service is asked for a JSON object; the
// content is returned as produced.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("openai: prompt must not be empty")
	}

	token, err := c.key.get(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: routingInstruction},
			{Role: "user", Content: prompt},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, completionsURL(c.baseURL), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", readAPIError(res)
	}

	var payload completionResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, responseLimit)).Decode(&payload); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	choice := payload.Choices[0]
	if choice.FinishReason == "length" {
		return "", ErrTruncated
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", errors.New("openai: empty completion")
	}
	return choice.Message.Content, nil
}

func readAPIError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
	apiErr := &APIError{StatusCode: res.StatusCode}

	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		apiErr.Message = env.Error.Message
		apiErr.Type = env.Error.Type
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(res.StatusCode)
	}
	return apiErr
}

func completionsURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// apiKey reads the token on first use. A failed read is not remembered, so
// a warm Lambda recovers once the parameter becomes readable.
type apiKey struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

func (k *apiKey) get(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.value != "" {
		return k.value, nil
	}

	token, err := paramstore.Token(ctx, k.getter, k.name)
	if err != nil {
		return "", fmt.Errorf("openai: resolve API key: %w", err)
	}
	k.value = token
	return token, nil
}
