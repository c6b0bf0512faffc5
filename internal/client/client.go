// Package client is the HTTP client for the ghostwalld read API.
package client

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

	"ghostwall/internal/api"
	"ghostwall/internal/blocklist"
	"ghostwall/internal/event"
	"ghostwall/internal/scoring"
	"ghostwall/internal/storage"
)

// Client talks to the read API.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAdminKey sets the key sent on administrative requests.
func WithAdminKey(key string) Option {
	return func(c *Client) { c.adminKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Health is the /health response.
type Health struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// Health checks the daemon is up.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, false, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Status fetches the score, counters and recent actions.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var st api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, false, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Actions fetches up to limit recent actions, newest first.
func (c *Client) Actions(ctx context.Context, limit int) ([]event.Action, error) {
	var resp struct {
		Actions []event.Action `json:"actions"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, http.MethodGet, "/v1/actions", q, false, &resp); err != nil {
		return nil, err
	}
	return resp.Actions, nil
}

// EventFilter narrows Events. Since accepts an RFC 3339 time or a
// duration such as "15m".
type EventFilter struct {
	Since string
	Type  string
	SrcIP string
	Limit int
}

// Events fetches stored events, newest first.
func (c *Client) Events(ctx context.Context, f EventFilter) ([]event.Event, error) {
	var resp struct {
		Events []event.Event `json:"events"`
	}
	q := url.Values{}
	setIf(q, "since", f.Since)
	setIf(q, "type", f.Type)
	setIf(q, "src_ip", f.SrcIP)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if err := c.do(ctx, http.MethodGet, "/v1/events", q, false, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Sessions fetches decoy session aggregates, most recent first.
func (c *Client) Sessions(ctx context.Context, since string, limit int) ([]storage.Session, error) {
	var resp struct {
		Sessions []storage.Session `json:"sessions"`
	}
	q := url.Values{}
	setIf(q, "since", since)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", q, false, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// BlockList fetches the block entries.
func (c *Client) BlockList(ctx context.Context) ([]blocklist.Entry, error) {
	var resp struct {
		Entries []blocklist.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/blocklist", nil, false, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Timeline fetches up to limit score points, oldest first. A non-positive
// limit takes the server default.
func (c *Client) Timeline(ctx context.Context, limit int) ([]scoring.Point, error) {
	var resp struct {
		Points []scoring.Point `json:"points"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, http.MethodGet, "/v1/timeline", q, false, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

// Unblock removes ip from the block-list. Requires the admin key.
func (c *Client) Unblock(ctx context.Context, ip string) error {
	return c.do(ctx, http.MethodDelete, "/v1/blocklist/"+url.PathEscape(ip), nil, true, nil)
}

// Reset zeroes the threat score. Requires the admin key.
func (c *Client) Reset(ctx context.Context) (*scoring.Status, error) {
	var st scoring.Status
	if err := c.do(ctx, http.MethodPost, "/v1/reset", nil, true, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, admin bool, out any) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if admin && c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return &Error{StatusCode: resp.StatusCode, Message: body.Error}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
