// Package http provides a task handler that performs an outbound HTTP
// request described by the task params.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gseismic/qtask-nano/internal/worker"
)

// Handler performs an HTTP request:
//
//	{"url": "...", "method": "GET", "headers": {...}, "body": "...", "timeout": 30}
//
// timeout is in seconds. Statuses >= 400 fail the task. The result holds
// "status_code" and "body".
func Handler(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	timeout := 30 * time.Second
	if secs, ok := params["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	var body io.Reader
	if raw, ok := params["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}, nil
}

var _ worker.Handler = Handler
