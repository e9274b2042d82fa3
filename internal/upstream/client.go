// Package upstream talks to the paid AI platform API on the gateway's
// behalf: chat completions, image task submission and polling. Response
// shapes vary by vendor and are only partially normalized; the metering
// package digs the usage and cost fields out of whatever comes back.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(baseURL, apiKey string) *Client {
	settings := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 90 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Get performs an authenticated GET and decodes the JSON response.
func (c *Client) Get(ctx context.Context, path string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]any), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if method == http.MethodPost {
		if body == nil {
			body = map[string]any{}
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream API request failed: %d %s", resp.StatusCode, raw)
	}

	if resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return map[string]any{}, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return decoded, nil
}
