package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/crawlsched/internal/control"
)

// Client sends control commands to a Server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Do posts req to /v1/commands and decodes the reply. A non-OK status code
// is returned in the Response, not as an error.
func (c *Client) Do(ctx context.Context, req control.Request) (control.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, fmt.Errorf("encode command: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return control.Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return control.Response{}, fmt.Errorf("send command: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden {
		return control.Response{}, fmt.Errorf("send command: %s", resp.Status)
	}
	var out control.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return control.Response{}, fmt.Errorf("decode reply (%s): %w", resp.Status, err)
	}
	return out, nil
}
