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

package daemon

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgeline/stepflow/internal/config"
)

const greetWorkflow = `name: greet
trigger:
  type: manual
config:
  steps:
    - id: make-id
      type: action
      modulePath: util.id.uuid
      outputAs: uid
`

const kvWorkflow = `name: kv-roundtrip
trigger:
  type: manual
config:
  steps:
    - id: put
      type: action
      modulePath: storage.kv.set
      inputs:
        scope: test
        table: prefs
        key: color
        value: teal
      outputAs: stored
    - id: fetch
      type: action
      modulePath: storage.kv.get
      inputs:
        scope: test
        table: prefs
        key: color
      outputAs: fetched
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	for name, doc := range map[string]string{"greet.yaml": greetWorkflow, "kv.yaml": kvWorkflow} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Store.Backend = config.StoreMemory
	cfg.Store.Path = ""
	cfg.Library.Dir = dir
	cfg.Library.Watch = false
	return cfg
}

// startDaemon boots d in the background and blocks until it is listening.
// Cleanup shuts it down and fails the test if serving returned an error.
func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, string) {
	t.Helper()
	d, err := New(cfg, Options{
		Version: "test",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := d.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start returned: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("daemon did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for d.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("daemon never bound a listener")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d, "http://" + d.Addr()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func submitRun(t *testing.T, base, workflow string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"workflow": workflow})
	resp, err := http.Post(base+"/v1/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	return out.ID
}

func waitForRunStatus(t *testing.T, base, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		var run struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if code := getJSON(t, base+"/v1/runs/"+id, &run); code == http.StatusOK {
			last = run.Status
			if run.Status == want {
				return
			}
			if run.Status == "failed" && want != "failed" {
				t.Fatalf("run failed: %s", run.Error)
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s status = %q, want %q", id, last, want)
}

func modulePaths(t *testing.T, base string) []string {
	t.Helper()
	var catalog struct {
		Modules []struct {
			Path string `json:"path"`
		} `json:"modules"`
	}
	if code := getJSON(t, base+"/v1/modules", &catalog); code != http.StatusOK {
		t.Fatalf("GET /v1/modules status = %d", code)
	}
	paths := make([]string, 0, len(catalog.Modules))
	for _, m := range catalog.Modules {
		paths = append(paths, m.Path)
	}
	return paths
}

func TestDaemonServesAPI(t *testing.T) {
	_, base := startDaemon(t, testConfig(t))

	var health struct {
		Status    string `json:"status"`
		Workflows int    `json:"workflows"`
	}
	if code := getJSON(t, base+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if health.Status != "ok" {
		t.Errorf("health status = %q, want ok", health.Status)
	}
	if health.Workflows != 2 {
		t.Errorf("workflows = %d, want 2", health.Workflows)
	}

	paths := strings.Join(modulePaths(t, base), ",")
	for _, want := range []string{"util.id.uuid", "storage.kv.set", "http.request.send"} {
		if !strings.Contains(paths, want) {
			t.Errorf("module catalog missing %s", want)
		}
	}
	if strings.Contains(paths, "ai.chat.complete") {
		t.Errorf("ai modules registered without a configured endpoint")
	}

	id := submitRun(t, base, "greet")
	waitForRunStatus(t, base, id, "succeeded")
}

func TestDaemonSQLiteBackendSharesKV(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "runs.db")

	d, base := startDaemon(t, cfg)

	id := submitRun(t, base, "kv-roundtrip")
	waitForRunStatus(t, base, id, "succeeded")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The kv entry must land in the run store's own database file.
	db, err := sql.Open("sqlite", cfg.Store.Path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow(
		`SELECT value FROM kv_entries WHERE scope = ? AND tbl = ? AND key = ?`,
		"test", "prefs", "color",
	).Scan(&value)
	if err != nil {
		t.Fatalf("reading kv entry: %v", err)
	}
	if !strings.Contains(value, "teal") {
		t.Errorf("kv value = %s, want teal", value)
	}

	var runs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM runs WHERE status = 'succeeded'`).Scan(&runs); err != nil {
		t.Fatalf("counting runs: %v", err)
	}
	if runs != 1 {
		t.Errorf("persisted runs = %d, want 1", runs)
	}
}

func TestDaemonTokenAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Mode = config.AuthToken
	cfg.Auth.Token = "sekrit"

	_, base := startDaemon(t, cfg)

	if code := getJSON(t, base+"/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz without credentials = %d, want 200", code)
	}
	if code := getJSON(t, base+"/v1/modules", nil); code != http.StatusUnauthorized {
		t.Errorf("modules without credentials = %d, want 401", code)
	}

	req, err := http.NewRequest(http.MethodGet, base+"/v1/modules", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("modules with token = %d, want 200", resp.StatusCode)
	}
}

func TestDaemonAIModulesRegistered(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.BaseURL = "http://127.0.0.1:9"

	_, base := startDaemon(t, cfg)

	paths := strings.Join(modulePaths(t, base), ",")
	if !strings.Contains(paths, "ai.chat.complete") {
		t.Errorf("ai.chat.complete missing from catalog: %s", paths)
	}
}

func TestDaemonRejectsNilConfig(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestDaemonShutdownBeforeStart(t *testing.T) {
	d, err := New(testConfig(t), Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown before Start: %v", err)
	}
}
