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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/stepflow/internal/registry"
	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

// recordingCompleter captures the normalized request and returns a canned
// completion.
type recordingCompleter struct {
	last Request
	text string
	err  error
}

func (r *recordingCompleter) Complete(ctx context.Context, req Request) (string, error) {
	r.last = req
	return r.text, r.err
}

func options() map[string]any {
	return map[string]any{"model": "gpt-4o", "credential": "sk-test"}
}

func TestCompleteFromPrompt(t *testing.T) {
	completer := &recordingCompleter{text: "four"}
	reg := registry.New()
	require.NoError(t, Register(reg, completer))

	out, err := reg.Invoke(context.Background(), "ai.chat.complete", map[string]any{
		"prompt":  "What is 2+2?",
		"options": options(),
	})
	require.NoError(t, err)
	assert.Equal(t, "four", out)

	assert.Equal(t, "gpt-4o", completer.last.Model)
	assert.Equal(t, "sk-test", completer.last.Credential)
	require.Len(t, completer.last.Messages, 1)
	assert.Equal(t, Message{Role: "user", Content: "What is 2+2?"}, completer.last.Messages[0])
}

func TestCompleteFromMessages(t *testing.T) {
	completer := &recordingCompleter{text: "hi"}
	chat := &Chat{completer: completer}

	opts := options()
	opts["system"] = "Be terse."
	_, err := chat.complete(context.Background(), map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
			map[string]any{"role": "assistant", "content": "hey"},
			map[string]any{"role": "user", "content": "how are you"},
		},
		"options": opts,
	})
	require.NoError(t, err)

	assert.Equal(t, "Be terse.", completer.last.System)
	require.Len(t, completer.last.Messages, 3)
	assert.Equal(t, "assistant", completer.last.Messages[1].Role)
}

func TestCompleteInputValidation(t *testing.T) {
	chat := &Chat{completer: &recordingCompleter{}}
	ctx := context.Background()

	tests := []struct {
		name   string
		inputs map[string]any
		errSub string
	}{
		{"missing options", map[string]any{"prompt": "hi"}, "options object is required"},
		{"missing model", map[string]any{"prompt": "hi", "options": map[string]any{"credential": "c"}}, "options.model"},
		{"missing credential", map[string]any{"prompt": "hi", "options": map[string]any{"model": "m"}}, "options.credential"},
		{"no prompt or messages", map[string]any{"options": options()}, "prompt or a non-empty messages"},
		{"malformed message", map[string]any{"messages": []any{"hi"}, "options": options()}, "messages[0]"},
		{"empty message content", map[string]any{"messages": []any{map[string]any{"role": "user", "content": ""}}, "options": options()}, "messages[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := chat.complete(ctx, tt.inputs)
			require.ErrorContains(t, err, tt.errSub)
		})
	}
}

func TestHTTPCompleter(t *testing.T) {
	var gotAuth string
	var gotReq chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": "summary text"}},
			},
		})
	}))
	defer server.Close()

	completer := NewHTTPCompleter(server.URL, 0)
	text, err := completer.Complete(context.Background(), Request{
		Model:      "gpt-4o",
		Credential: "sk-test",
		System:     "Be brief.",
		Messages:   []Message{{Role: "user", Content: "Summarize this."}},
	})
	require.NoError(t, err)
	assert.Equal(t, "summary text", text)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "Be brief.", gotReq.Messages[0].Content)
}

func TestHTTPCompleterErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key", "type": "auth"},
		})
	}))
	defer server.Close()

	completer := NewHTTPCompleter(server.URL, 0)
	_, err := completer.Complete(context.Background(), Request{
		Model:      "gpt-4o",
		Credential: "bad",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})

	var capErr *pkgerrors.CapabilityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "invalid api key", capErr.Message)
	assert.Contains(t, capErr.Suggestion, "credential")
}
