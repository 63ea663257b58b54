// Package client calls a running manimatic server.
package client

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
	"time"

	"manimatic/internal/domain"
)

const (
	DefaultServerURL   = "http://localhost:8080"
	defaultHTTPTimeout = 10 * time.Minute
	maxErrorBody       = 64 << 10
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
	Stage      string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("client: status %d: %s", e.StatusCode, e.Message)
	if e.Stage != "" {
		msg += " (stage " + e.Stage + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	base       *url.URL
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func New(serverURL string, opts ...Option) (*Client, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: server URL %q must be http or https", serverURL)
	}
	c := &Client{base: base, httpClient: &http.Client{Timeout: defaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type generateReply struct {
	Message string `json:"message"`
	URL     string `json:"url"`
	Error   string `json:"error"`
	Stage   string `json:"stage"`
}

// Generate submits prompt and returns the artifact URL resolved against the
// server address.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(domain.GenerationRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("/generate"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("client: read response: %w", err)
	}
	var reply generateReply
	decodeErr := json.Unmarshal(raw, &reply)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: reply.Message, Detail: reply.Error, Stage: reply.Stage}
		if decodeErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return "", apiErr
	}
	if decodeErr != nil {
		return "", fmt.Errorf("client: decode response: %w", decodeErr)
	}
	if reply.URL == "" {
		return "", errors.New("client: response has no url")
	}
	return c.ArtifactURL(reply.URL), nil
}

// ArtifactURL resolves a server-relative artifact path against the server
// address, keeping any path prefix the server is mounted under. Absolute URLs
// are returned unchanged.
func (c *Client) ArtifactURL(ref string) string {
	return c.resolve(ref)
}

func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() || u.Host != "" {
		return c.base.ResolveReference(u).String()
	}
	out := *c.base
	out.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(u.Path, "/")
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	out.Fragment = u.Fragment
	return out.String()
}
