// Package comms is the client-side real-time communication layer of the
// IXORA application: multi-channel text chat (general, direct and group
// channels) plus ad-hoc multi-party audio/video calls, synchronized over
// a persistent event connection with a backend that also exposes a
// request/response API for history and management operations.
//
// Example:
//
//	client := comms.NewClient("https://ixora.example.com", token)
//	relay := comms.NewRelay(&comms.RelayConfig{Token: token, BaseURL: client.BaseURL()})
//	session := comms.NewSession(client, relay, comms.WithNotifier(n))
//
//	session.Start("ada")
//	session.OpenChannel(comms.Direct("grace"))
//	session.SendMessage(ctx, comms.Direct("grace"), comms.Draft{Body: "hello"})
package comms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout is the default request/response API timeout.
const DefaultTimeout = 30 * time.Second

// Client is the request/response API client for history and management
// operations. It implements HistoryAPI.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates an API client for the given backend.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) { c.token = token }

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// channelPath maps a channel reference onto its API path.
func channelPath(ref ChannelRef) string {
	switch ref.Kind {
	case KindDirect:
		return "/api/chat/direct/" + url.PathEscape(ref.Target)
	case KindGroup:
		return "/api/chat/group/" + url.PathEscape(ref.Target)
	default:
		return "/api/chat/general"
	}
}

// ============================================================================
// History & management endpoints
// ============================================================================

// Health checks backend health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/chat/health", nil, nil)
}

// FetchHistory returns the channel's message records, oldest first.
func (c *Client) FetchHistory(ctx context.Context, ref ChannelRef) ([]Message, error) {
	res, err := c.do(ctx, "GET", channelPath(ref)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, asRestriction(res.Error)
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PostMessage sends a draft and returns the confirmed record.
func (c *Client) PostMessage(ctx context.Context, ref ChannelRef, draft Draft) (*Message, error) {
	res, err := c.do(ctx, "POST", channelPath(ref)+"/messages", draft, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, asRestriction(res.Error)
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PostRead marks the other party's messages in the channel as read on the
// server. Fire-and-forget at the call sites; failures are non-fatal.
func (c *Client) PostRead(ctx context.Context, ref ChannelRef) error {
	res, err := c.do(ctx, "POST", channelPath(ref)+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return asRestriction(res.Error)
	}
	return nil
}

// EditMessage replaces a message body and returns the updated record.
func (c *Client) EditMessage(ctx context.Context, ref ChannelRef, id, body string) (*Message, error) {
	res, err := c.do(ctx, "PUT", channelPath(ref)+"/messages/"+url.PathEscape(id),
		map[string]string{"body": body}, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, asRestriction(res.Error)
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, ref ChannelRef, id string) error {
	res, err := c.do(ctx, "DELETE", channelPath(ref)+"/messages/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return asRestriction(res.Error)
	}
	return nil
}
