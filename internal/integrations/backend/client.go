// Package backend talks to the business layer that owns transactions,
// schedules, queries and outbound replies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"zela-agent/internal/domain"
	"zela-agent/internal/integrations/paramstore"
	"zela-agent/internal/router"
)

// Getter resolves a parameter by name.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type operationRequest struct {
	UserID string         `json:"userId"`
	Fields map[string]any `json:"fields"`
}

// Client posts operations and replies to the backend API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     Getter
	tokenParam string

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken authenticates with the backend using the JSON {"token": ...}
// stored under name.
func WithToken(g Getter, name string) Option {
	return func(c *Client) {
		c.getter = g
		c.tokenParam = strings.TrimSpace(name)
	}
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base url must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter != nil && c.tokenParam == "" {
		return nil, errors.New("backend: token parameter name must not be empty")
	}
	return c, nil
}

// Execute runs one operation and returns the backend's JSON result.
func (c *Client) Execute(ctx context.Context, serviceID domain.ServiceID, userID string, fields map[string]any) (json.RawMessage, error) {
	if !serviceID.Known() {
		return nil, fmt.Errorf("backend: unknown service %q", serviceID)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := c.postJSON(ctx, "/operations/"+url.PathEscape(string(serviceID)), operationRequest{
		UserID: userID,
		Fields: fields,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: execute %s: %w", serviceID, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("backend: execute %s: response is not JSON", serviceID)
	}
	return json.RawMessage(raw), nil
}

// Deliver hands a processed outcome to the reply layer.
func (c *Client) Deliver(ctx context.Context, outcome domain.Outcome) error {
	if _, err := c.postJSON(ctx, "/replies", outcome); err != nil {
		return fmt.Errorf("backend: deliver %s: %w", outcome.MessageID, err)
	}
	return nil
}

// Handlers returns a dispatcher table that executes every service id
// against this backend.
func (c *Client) Handlers() map[domain.ServiceID]router.Handler {
	handlers := make(map[domain.ServiceID]router.Handler, len(domain.ServiceIDs))
	for _, id := range domain.ServiceIDs {
		handlers[id] = func(ctx context.Context, fields map[string]any, userID string) (any, error) {
			return c.Execute(ctx, id, userID, fields)
		}
	}
	return handlers
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.getter == nil {
		return "", nil
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := paramstore.Token(ctx, c.getter, c.tokenParam)
	if err != nil {
		return "", fmt.Errorf("backend: resolve token: %w", err)
	}
	c.token = token
	return token, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
