package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

var errNotFound = errors.New("hub: endpoint not found")

const maxRetries = 3

// doJSON performs one logical HTTP call: encode body (if any), send,
// retry on 5xx/network errors with jittered exponential backoff, decode
// the response into out (if non-nil). 4xx is never retried. All calls go
// through the circuit breaker.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doJSONWithRetry(ctx, method, path, body, out)
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return err
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("%w: circuit open: %v", ErrUnavailable, err)
		}
		return err
	}
	return nil
}

func (c *Client) doJSONWithRetry(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		status, err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if status == http.StatusNotFound {
			return errNotFound
		}
		if status >= 400 && status < 500 {
			return fmt.Errorf("hub: client error %d: %w", status, err)
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("hub: encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hub: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxBodyBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("hub: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("hub: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("hub: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
