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

package shared

import (
	"context"
	"strings"
	"testing"
)

func TestNewCatalogFullListing(t *testing.T) {
	reg, closeCatalog, err := NewCatalog(context.Background(), CatalogOptions{WithUnconfigured: true})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	defer closeCatalog()

	for _, path := range []string{
		"util.id.uuid",
		"data.transform.query",
		"http.request.send",
		"storage.kv.set",
		"ai.chat.complete",
	} {
		if !reg.Has(path) {
			t.Errorf("catalog missing %s", path)
		}
	}
}

func TestNewCatalogWithoutUnconfiguredAI(t *testing.T) {
	reg, closeCatalog, err := NewCatalog(context.Background(), CatalogOptions{})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	defer closeCatalog()

	if reg.Has("ai.chat.complete") {
		t.Error("ai.chat.complete registered without an endpoint")
	}
	if !reg.Has("util.id.uuid") {
		t.Error("util family missing")
	}
}

func TestUnconfiguredAIFailsOnInvoke(t *testing.T) {
	reg, closeCatalog, err := NewCatalog(context.Background(), CatalogOptions{WithUnconfigured: true})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	defer closeCatalog()

	_, err = reg.Invoke(context.Background(), "ai.chat.complete", map[string]any{"prompt": "hello"})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("invoke error = %v, want not configured", err)
	}
}

func TestCatalogStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg, closeCatalog, err := NewCatalog(ctx, CatalogOptions{})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	defer closeCatalog()

	if _, err := reg.Invoke(ctx, "storage.kv.set", map[string]any{
		"scope": "cli", "table": "prefs", "key": "color", "value": "teal",
	}); err != nil {
		t.Fatalf("kv.set: %v", err)
	}
	got, err := reg.Invoke(ctx, "storage.kv.get", map[string]any{
		"scope": "cli", "table": "prefs", "key": "color",
	})
	if err != nil {
		t.Fatalf("kv.get: %v", err)
	}
	if got != "teal" {
		t.Errorf("kv.get = %v, want teal", got)
	}
}
