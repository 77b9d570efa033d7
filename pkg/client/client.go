// Package client provides a Go SDK for the swarmgit HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swarmgit/swarmgit/pkg/models"
)

// Client calls the swarmgit HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:7433"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:7433").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Status returns the current run status.
func (c *Client) Status(ctx context.Context) (*models.StatusInfo, error) {
	var out models.StatusInfo
	err := c.doJSON(ctx, http.MethodGet, "/status", nil, &out)
	return &out, err
}

// Sessions returns the state of every worker session.
func (c *Client) Sessions(ctx context.Context) ([]models.SessionState, error) {
	var out []models.SessionState
	err := c.doJSON(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

// RunInfo is one persisted run as reported by /runs.
type RunInfo struct {
	RunID   string    `json:"run_id"`
	State   string    `json:"state"`
	SavedAt time.Time `json:"saved_at"`
}

// Runs lists persisted runs.
func (c *Client) Runs(ctx context.Context) ([]RunInfo, error) {
	var out []RunInfo
	err := c.doJSON(ctx, http.MethodGet, "/runs", nil, &out)
	return out, err
}

// Pause suspends dispatching of new assignments.
func (c *Client) Pause(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/pause", nil, nil)
}

// Resume continues a paused run.
func (c *Client) Resume(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/resume", nil, nil)
}

// Stop requests run termination; in-flight work drains first.
func (c *Client) Stop(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/stop", nil, nil)
}
