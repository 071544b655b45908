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

package library

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

const minimalDoc = `
name: %s
trigger:
  type: manual
config:
  steps:
    - id: gen
      type: action
      modulePath: util.id.uuid
`

func writeWorkflow(t *testing.T, dir, rel, name string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "name: " + name + "\ntrigger:\n  type: manual\nconfig:\n  steps:\n    - id: gen\n      type: action\n      modulePath: util.id.uuid\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadsNestedWorkflows(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "daily.yaml", "daily-report")
	writeWorkflow(t, dir, "team/standup.yml", "standup")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a workflow"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	lib, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer lib.Close()

	if lib.Len() != 2 {
		t.Fatalf("Len = %d, want 2", lib.Len())
	}

	doc, err := lib.Get("daily-report")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Name != "daily-report" || len(doc.Config.Steps) != 1 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	entries := lib.List()
	if entries[0].Name != "daily-report" || entries[1].Name != "standup" {
		t.Fatalf("List order: %+v", entries)
	}
	if entries[1].Path != "team/standup.yml" {
		t.Fatalf("Path = %q", entries[1].Path)
	}
}

func TestUnnamedWorkflowUsesFileStem(t *testing.T) {
	dir := t.TempDir()
	content := "trigger:\n  type: manual\nconfig:\n  steps: []\n"
	if err := os.WriteFile(filepath.Join(dir, "cleanup.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	lib, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer lib.Close()

	if _, err := lib.Get("cleanup"); err != nil {
		t.Fatalf("Get by stem: %v", err)
	}
}

func TestBrokenFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "good.yaml", "good")
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("\tnot yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	lib, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("one broken file should not fail the load: %v", err)
	}
	defer lib.Close()

	if lib.Len() != 1 {
		t.Fatalf("Len = %d, want 1", lib.Len())
	}
}

func TestDuplicateNameKeepsFirstPath(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "report")
	writeWorkflow(t, dir, "b.yaml", "report")

	lib, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer lib.Close()

	entries := lib.List()
	if len(entries) != 1 || entries[0].Path != "a.yaml" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestExcludePatterns(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "keep.yaml", "keep")
	writeWorkflow(t, dir, "drafts/wip.yaml", "wip")

	lib, err := New(Config{Dir: dir, Exclude: []string{"drafts/**"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer lib.Close()

	if lib.Len() != 1 {
		t.Fatalf("Len = %d, want 1", lib.Len())
	}
	var notFound *pkgerrors.NotFoundError
	if _, err := lib.Get("wip"); !errors.As(err, &notFound) {
		t.Fatalf("excluded workflow should be absent, got %v", err)
	}
}

func TestInvalidPatternFails(t *testing.T) {
	if _, err := New(Config{Dir: t.TempDir(), Include: []string{"[unclosed"}}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "first.yaml", "first")

	lib, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer lib.Close()

	if err := lib.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := lib.Watch(); err == nil {
		t.Fatal("double Watch should fail")
	}

	writeWorkflow(t, dir, "second.yaml", "second")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := lib.Get("second"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never picked up the new workflow")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOnReloadFires(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "first.yaml", "first")

	lib, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls atomic.Int32
	lib.OnReload(func() { calls.Add(1) })

	if err := lib.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := lib.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("callback ran %d times, want 2", got)
	}
}
