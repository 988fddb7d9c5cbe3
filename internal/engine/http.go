package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to an analysis service that wraps the engine behind a
// JSON POST endpoint. Reconnect swaps the underlying http.Client so a retry
// never reuses a connection that may have gone bad.
type HTTPClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClient points at the analysis service endpoint.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	Positions  []string `json:"positions"`
	NodeBudget int      `json:"node_budget"`
}

type analyzeResponse struct {
	Results []Result `json:"results"`
}

// Analyze posts the batch and decodes the per-position results.
func (c *HTTPClient) Analyze(ctx context.Context, positions []string, nodeBudget int) ([]Result, error) {
	body, err := json.Marshal(analyzeRequest{Positions: positions, NodeBudget: nodeBudget})
	if err != nil {
		return nil, fmt.Errorf("encoding analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting analyze request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, msg)
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding analyze response: %w", err)
	}
	if len(decoded.Results) != len(positions) {
		return nil, fmt.Errorf("analysis service returned %d results for %d positions",
			len(decoded.Results), len(positions))
	}
	return decoded.Results, nil
}

// Reconnect replaces the http.Client, dropping pooled connections.
func (c *HTTPClient) Reconnect() error {
	c.client.CloseIdleConnections()
	c.client = &http.Client{Timeout: c.timeout}
	return nil
}

// Close drops pooled connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
