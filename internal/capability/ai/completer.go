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

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

// DefaultBaseURL is the OpenAI-compatible API root the HTTP completer talks
// to when no endpoint is configured.
const DefaultBaseURL = "https://api.openai.com/v1"

// HTTPCompleter calls an OpenAI-compatible chat completions endpoint. The
// request credential becomes the bearer token, so one completer serves steps
// holding different credentials.
type HTTPCompleter struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPCompleter creates a completer against baseURL (DefaultBaseURL when
// empty).
func NewHTTPCompleter(baseURL string, timeout time.Duration) *HTTPCompleter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPCompleter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Completer.
func (h *HTTPCompleter) Complete(ctx context.Context, req Request) (string, error) {
	messages := req.Messages
	if req.System != "" {
		messages = append([]Message{{Role: "system", Content: req.System}}, messages...)
	}

	body, err := json.Marshal(chatCompletionRequest{Model: req.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return "", &pkgerrors.CapabilityError{
			Module:  "ai.chat.complete",
			Message: err.Error(),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading completion response: %w", err)
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decoding completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := fmt.Sprintf("completion request failed with status %d", resp.StatusCode)
		if decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		return "", &pkgerrors.CapabilityError{
			Module:     "ai.chat.complete",
			Message:    message,
			Suggestion: suggestionForStatus(resp.StatusCode),
		}
	}

	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("completion response carried no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

func suggestionForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "check the credential referenced in options.credential"
	case http.StatusNotFound:
		return "check that options.model names a model the endpoint serves"
	case http.StatusTooManyRequests:
		return "the provider is rate limiting; retry later"
	default:
		return ""
	}
}
