// Package upstream talks to a backend's management API: model listing,
// loaded-model listing, version, and model metadata. Inference calls go
// through the streaming proxy instead.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds client tunables.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Client is a shared HTTP client for backend management calls.
// Per-call deadlines come from the caller's context; Timeout is the
// outer bound.
type Client struct {
	http *http.Client
}

// New builds a client with keep-alive transport tuning.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ModelInfo is one entry of /api/tags. Details pass through verbatim
// so aggregated listings keep fields this client does not model.
type ModelInfo struct {
	Name       string          `json:"name"`
	Model      string          `json:"model,omitempty"`
	ModifiedAt string          `json:"modified_at,omitempty"`
	Size       int64           `json:"size,omitempty"`
	Digest     string          `json:"digest,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// TagsResponse is the /api/tags payload.
type TagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// LoadedModel is one entry of /api/ps.
type LoadedModel struct {
	Name      string          `json:"name"`
	Model     string          `json:"model,omitempty"`
	Size      int64           `json:"size,omitempty"`
	SizeVRAM  int64           `json:"size_vram,omitempty"`
	ExpiresAt string          `json:"expires_at,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// PsResponse is the /api/ps payload.
type PsResponse struct {
	Models []LoadedModel `json:"models"`
}

type versionResponse struct {
	Version string `json:"version"`
}

// Tags lists the models available on a backend.
func (c *Client) Tags(ctx context.Context, baseURL, apiKey string) (TagsResponse, error) {
	var out TagsResponse
	err := c.getJSON(ctx, baseURL, apiKey, "/api/tags", &out)
	return out, err
}

// Ps lists the models currently loaded on a backend.
func (c *Client) Ps(ctx context.Context, baseURL, apiKey string) (PsResponse, error) {
	var out PsResponse
	err := c.getJSON(ctx, baseURL, apiKey, "/api/ps", &out)
	return out, err
}

// Version returns the backend's reported version string.
func (c *Client) Version(ctx context.Context, baseURL, apiKey string) (string, error) {
	var out versionResponse
	if err := c.getJSON(ctx, baseURL, apiKey, "/api/version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Show relays a model-metadata request and returns the raw payload.
func (c *Client) Show(ctx context.Context, baseURL, apiKey string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRaw(req, apiKey)
}

func (c *Client) getJSON(ctx context.Context, baseURL, apiKey, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	raw, err := c.doRaw(req, apiKey)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) doRaw(req *http.Request, apiKey string) (json.RawMessage, error) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &Error{Status: resp.StatusCode, Message: ParseErrorBody(body)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}
