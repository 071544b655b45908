// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpcap provides the http.request.send capability: outbound HTTP
// with client-side rate limiting and JSON-decoded responses.
package httpcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgeline/stepflow/internal/registry"
	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

// Config tunes the outbound HTTP client.
type Config struct {
	// Timeout per request. Default 30s.
	Timeout time.Duration

	// MaxResponseSize caps the bytes read from a response body. Default 10MB.
	MaxResponseSize int64

	// RequestsPerSecond is the sustained outbound rate. Default 10.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Default 10.
	Burst int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		MaxResponseSize:   10 * 1024 * 1024,
		RequestsPerSecond: 10,
		Burst:             10,
	}
}

var allowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// Client performs rate-limited HTTP requests on behalf of workflow steps.
// All runs share one client so the rate limit is process-wide.
type Client struct {
	httpClient      *http.Client
	limiter         *rate.Limiter
	maxResponseSize int64
}

// New creates a client from cfg, filling zero fields with defaults.
func New(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxResponseSize == 0 {
		cfg.MaxResponseSize = defaults.MaxResponseSize
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaults.Burst
	}

	return &Client{
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		limiter:         rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxResponseSize: cfg.MaxResponseSize,
	}
}

// Register wires the http family into reg.
func Register(reg *registry.Registry, client *Client) error {
	return reg.Register("http.request.send",
		"Send an HTTP request: method, url, headers, body; response body JSON-decoded when possible",
		registry.Func(client.send))
}

// send performs one request. Non-2xx responses are not invocation errors;
// the status comes back in the output so workflows can branch on it.
func (c *Client) send(ctx context.Context, inputs map[string]any) (any, error) {
	url, ok := inputs["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("url is required")
	}

	method := "GET"
	if m, ok := inputs["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !slices.Contains(allowedMethods, method) {
		return nil, fmt.Errorf("invalid HTTP method %q (allowed: %v)", method, allowedMethods)
	}

	body, contentType, err := requestBody(inputs["body"])
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &pkgerrors.CapabilityError{
			Module:  "http.request.send",
			Message: err.Error(),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status":  float64(resp.StatusCode),
		"headers": headers,
		"body":    decodeBody(raw),
	}, nil
}

// requestBody turns the body input into a reader. Strings pass through;
// anything else is marshaled to JSON.
func requestBody(raw any) (io.Reader, string, error) {
	switch b := raw.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "application/json", nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encoding body: %w", err)
		}
		return strings.NewReader(string(encoded)), "application/json", nil
	}
}

// decodeBody returns the response body as a JSON value when it parses,
// otherwise as the raw string.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded
	}
	return string(raw)
}
