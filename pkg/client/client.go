// Package client provides a typed Go client for the stargate HTTP API.
// Chat transports use it to forward turns; generation backends use it to
// report completions.
package client

import (
	"bytes"
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

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Title   string
	Detail  string
	Request string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("stargate api %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("stargate api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// Client is a typed client for the stargate API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request. Only the
// completion webhook requires one.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var p Problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Title != "" {
			return &APIError{Status: resp.StatusCode, Title: p.Title, Detail: p.Detail, Request: p.RequestID}
		}
		return &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// SendTurn calls POST /v1/turns and returns the replies, preceded by any
// messages queued for the conversation since its previous turn.
func (c *Client) SendTurn(ctx context.Context, turn Turn) ([]Message, error) {
	var out messages
	err := c.do(ctx, http.MethodPost, "/v1/turns", turn, &out)
	return out.Messages, err
}

// Messages calls GET /v1/conversations/{key}/messages, draining the
// conversation's queue.
func (c *Client) Messages(ctx context.Context, conversationKey string) ([]Message, error) {
	var out messages
	err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationKey)+"/messages", nil, &out)
	return out.Messages, err
}

// Balance calls GET /v1/users/{id}/balance.
func (c *Client) Balance(ctx context.Context, userID int64) (*Balance, error) {
	var out Balance
	err := c.do(ctx, http.MethodGet, "/v1/users/"+strconv.FormatInt(userID, 10)+"/balance", nil, &out)
	return &out, err
}

// History calls GET /v1/users/{id}/history. A zero limit uses the server
// default.
func (c *Client) History(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	path := "/v1/users/" + strconv.FormatInt(userID, 10) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out history
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Entries, err
}

// Complete calls POST /v1/completions.
func (c *Client) Complete(ctx context.Context, done Completion) error {
	return c.do(ctx, http.MethodPost, "/v1/completions", done, nil)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
