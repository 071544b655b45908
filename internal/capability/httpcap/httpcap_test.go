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

package httpcap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000
	return New(cfg)
}

func TestSendDecodesJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items": [1, 2], "ok": true}`))
	}))
	defer server.Close()

	out, err := testClient().send(context.Background(), map[string]any{"url": server.URL})
	require.NoError(t, err)

	response := out.(map[string]any)
	assert.Equal(t, float64(200), response["status"])

	body := response["body"].(map[string]any)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, []any{float64(1), float64(2)}, body["items"])
}

func TestSendPostMarshalsBody(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	out, err := testClient().send(context.Background(), map[string]any{
		"url":    server.URL,
		"method": "post",
		"body":   map[string]any{"name": "ada"},
		"headers": map[string]any{
			"X-Request-Source": "stepflow",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"name": "ada"}, gotBody)

	response := out.(map[string]any)
	assert.Equal(t, float64(201), response["status"])
	assert.Nil(t, response["body"])
}

func TestSendNonJSONBodyComesBackAsString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	out, err := testClient().send(context.Background(), map[string]any{"url": server.URL})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out.(map[string]any)["body"])
}

func TestSendNon2xxIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "nope"}`, http.StatusForbidden)
	}))
	defer server.Close()

	out, err := testClient().send(context.Background(), map[string]any{"url": server.URL})
	require.NoError(t, err)
	assert.Equal(t, float64(403), out.(map[string]any)["status"])
}

func TestSendInputValidation(t *testing.T) {
	client := testClient()
	ctx := context.Background()

	_, err := client.send(ctx, map[string]any{})
	require.ErrorContains(t, err, "url is required")

	_, err = client.send(ctx, map[string]any{"url": "http://localhost", "method": "SPLICE"})
	require.ErrorContains(t, err, "invalid HTTP method")
}

func TestSendHonorsHeaderOverride(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	_, err := testClient().send(context.Background(), map[string]any{
		"url":    server.URL,
		"method": "POST",
		"body":   "name=ada",
		"headers": map[string]any{
			"Content-Type": "application/x-www-form-urlencoded",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
}
