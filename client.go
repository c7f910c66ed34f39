// Package msgcache keeps a chat client's local view of a remote message
// store consistent across a bulk register snapshot, paginated message
// fetches and the realtime event stream.
//
// Example:
//
//	client := msgcache.NewClient("api-key", msgcache.WithBaseURL("https://chat.example.com"))
//	engine := msgcache.NewEngine(msgcache.WithLogger(log))
//	fetcher := msgcache.NewFetcher(client, engine)
//
//	reg, _ := fetcher.Bootstrap(ctx)
//	_ = fetcher.Fetch(ctx, msgcache.FetchParams{
//		Narrow:    msgcache.HomeNarrow(),
//		Anchor:    msgcache.LastMessageAnchor,
//		NumBefore: 50,
//	})
//	for _, m := range engine.State().MessagesFor(msgcache.HomeNarrow().Key()) {
//		fmt.Println(m.ID, m.Subject)
//	}
package msgcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:9991"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat server's REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

// decodeJSON decodes data into T after checking the result envelope.
func decodeJSON[T any](data []byte) (*T, error) {
	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if err := env.err(); err != nil {
		return nil, err
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// API Methods
// ============================================================================

// Register creates an event queue and returns the initial snapshot.
func (c *Client) Register(ctx context.Context) (*RegisterResult, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v1/register", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RegisterResult](data)
}

// GetMessages fetches one page of messages around p.Anchor.
func (c *Client) GetMessages(ctx context.Context, p FetchParams) (*MessagesResult, error) {
	narrow := p.Narrow
	if narrow == nil {
		narrow = Narrow{}
	}
	narrowJSON, err := json.Marshal(narrow)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal narrow: %w", err)
	}
	q := url.Values{}
	q.Set("narrow", string(narrowJSON))
	q.Set("anchor", p.Anchor.QueryValue())
	q.Set("num_before", strconv.Itoa(p.NumBefore))
	q.Set("num_after", strconv.Itoa(p.NumAfter))
	q.Set("apply_markdown", "true")

	data, err := c.doRequest(ctx, http.MethodGet, "/api/v1/messages", q)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[MessagesResult](data)
	if err != nil {
		return nil, err
	}
	if err := res.validate(); err != nil {
		return nil, fmt.Errorf("invalid messages response: %w", err)
	}
	return res, nil
}
