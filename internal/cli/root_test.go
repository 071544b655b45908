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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgeline/stepflow/internal/commands/shared"
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

const badModuleWorkflow = `name: broken
trigger:
  type: manual
config:
  steps:
    - id: nope
      type: action
      modulePath: util.id.nope
      outputAs: x
`

const failingWorkflow = `name: failing
trigger:
  type: manual
config:
  steps:
    - id: first
      type: action
      modulePath: data.array.first
      inputs:
        input: notanarray
      outputAs: item
`

// executeCommand runs the root command with args, capturing stdout and
// stderr separately.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func writeWorkflow(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *shared.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error %v is not an ExitError", err)
	}
	return exitErr.Code
}

func TestValidateValidWorkflow(t *testing.T) {
	path := writeWorkflow(t, greetWorkflow)

	out, _, err := executeCommand(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output = %q, want is valid", out)
	}
}

func TestValidateInvalidWorkflow(t *testing.T) {
	path := writeWorkflow(t, badModuleWorkflow)

	out, _, err := executeCommand(t, "validate", path)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if code := exitCode(t, err); code != shared.ExitInvalidWorkflow {
		t.Errorf("exit code = %d, want %d", code, shared.ExitInvalidWorkflow)
	}
	if !strings.Contains(out, "unknown module") {
		t.Errorf("output = %q, want unknown module finding", out)
	}
}

func TestValidateJSONOutput(t *testing.T) {
	path := writeWorkflow(t, badModuleWorkflow)

	out, _, err := executeCommand(t, "validate", path, "--json")
	if err == nil {
		t.Fatal("expected validation failure")
	}

	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Path    string `json:"path"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if result.Valid {
		t.Error("valid = true for a broken workflow")
	}
	if len(result.Errors) == 0 {
		t.Error("no findings reported")
	}
}

func TestValidateMissingFile(t *testing.T) {
	_, _, err := executeCommand(t, "validate", "/no/such/workflow.yaml")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := exitCode(t, err); code != shared.ExitInvalidWorkflow {
		t.Errorf("exit code = %d, want %d", code, shared.ExitInvalidWorkflow)
	}
}

func TestRunWorkflow(t *testing.T) {
	path := writeWorkflow(t, greetWorkflow)

	_, progress, err := executeCommand(t, "run", path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(progress, "make-id") {
		t.Errorf("progress = %q, want step id", progress)
	}
	if !strings.Contains(progress, "workflow completed") {
		t.Errorf("progress = %q, want completion line", progress)
	}
}

func TestRunJSONResult(t *testing.T) {
	path := writeWorkflow(t, greetWorkflow)

	out, _, err := executeCommand(t, "run", path, "--json")
	if err != nil {
		t.Fatalf("run --json: %v", err)
	}

	var run struct {
		ID           string `json:"id"`
		WorkflowName string `json:"workflowName"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if run.Status != "succeeded" {
		t.Errorf("status = %q, want succeeded", run.Status)
	}
	if run.WorkflowName != "greet" {
		t.Errorf("workflowName = %q, want greet", run.WorkflowName)
	}
}

func TestRunFailingWorkflow(t *testing.T) {
	path := writeWorkflow(t, failingWorkflow)

	_, progress, err := executeCommand(t, "run", path)
	if err == nil {
		t.Fatal("expected run failure")
	}
	if code := exitCode(t, err); code != shared.ExitRunFailed {
		t.Errorf("exit code = %d, want %d", code, shared.ExitRunFailed)
	}
	if !strings.Contains(progress, "input must be an array") {
		t.Errorf("progress = %q, want step failure reason", progress)
	}
}

func TestRunRejectsInvalidWorkflow(t *testing.T) {
	path := writeWorkflow(t, badModuleWorkflow)

	_, progress, err := executeCommand(t, "run", path)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if code := exitCode(t, err); code != shared.ExitInvalidWorkflow {
		t.Errorf("exit code = %d, want %d", code, shared.ExitInvalidWorkflow)
	}
	if !strings.Contains(progress, "unknown module") {
		t.Errorf("progress = %q, want unknown module finding", progress)
	}
}

func TestRunBadVarArgument(t *testing.T) {
	path := writeWorkflow(t, greetWorkflow)

	_, _, err := executeCommand(t, "run", path, "--var", "region")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := exitCode(t, err); code != shared.ExitBadInput {
		t.Errorf("exit code = %d, want %d", code, shared.ExitBadInput)
	}
}

func TestModulesListing(t *testing.T) {
	out, _, err := executeCommand(t, "modules")
	if err != nil {
		t.Fatalf("modules: %v", err)
	}
	for _, want := range []string{"util.id.uuid", "ai.chat.complete", "storage.kv.set"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %s", want)
		}
	}
}

func TestModulesJSON(t *testing.T) {
	out, _, err := executeCommand(t, "modules", "--json")
	if err != nil {
		t.Fatalf("modules --json: %v", err)
	}

	var catalog struct {
		Count   int `json:"count"`
		Modules []struct {
			Path        string `json:"path"`
			Description string `json:"description"`
		} `json:"modules"`
	}
	if err := json.Unmarshal([]byte(out), &catalog); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if catalog.Count < 10 {
		t.Errorf("count = %d, want at least the built-in families", catalog.Count)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-02")

	out, _, err := executeCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "stepflow version 1.2.3") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "abc123") {
		t.Errorf("output missing commit: %q", out)
	}
}

func TestServeRejectsBadConfig(t *testing.T) {
	_, _, err := executeCommand(t, "serve", "--config", "/no/such/config.yaml")
	if err == nil {
		t.Fatal("expected config load failure")
	}
}

func TestHelpListsCommands(t *testing.T) {
	out, _, err := executeCommand(t, "help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"validate", "run", "modules", "serve", "version"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output missing %s", want)
		}
	}
}

func TestHelpJSON(t *testing.T) {
	out, _, err := executeCommand(t, "help", "--json")
	if err != nil {
		t.Fatalf("help --json: %v", err)
	}

	var listing struct {
		Commands []struct {
			Name string `json:"name"`
		} `json:"commands"`
		GlobalFlags []struct {
			Name string `json:"name"`
		} `json:"globalFlags"`
	}
	if err := json.Unmarshal([]byte(out), &listing); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}

	names := make(map[string]bool, len(listing.Commands))
	for _, c := range listing.Commands {
		names[c.Name] = true
	}
	for _, want := range []string{"validate", "run", "modules", "serve", "version"} {
		if !names[want] {
			t.Errorf("commands missing %s", want)
		}
	}

	flags := make(map[string]bool, len(listing.GlobalFlags))
	for _, f := range listing.GlobalFlags {
		flags[f.Name] = true
	}
	for _, want := range []string{"quiet", "json", "config"} {
		if !flags[want] {
			t.Errorf("global flags missing %s", want)
		}
	}
}

func TestHelpJSONForCommand(t *testing.T) {
	out, _, err := executeCommand(t, "help", "run", "--json")
	if err != nil {
		t.Fatalf("help run --json: %v", err)
	}

	var detail struct {
		Command struct {
			Name  string `json:"name"`
			Flags []struct {
				Name string `json:"name"`
			} `json:"flags"`
		} `json:"command"`
	}
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if detail.Command.Name != "run" {
		t.Errorf("command name = %q, want run", detail.Command.Name)
	}

	flags := make(map[string]bool, len(detail.Command.Flags))
	for _, f := range detail.Command.Flags {
		flags[f.Name] = true
	}
	if !flags["var"] || !flags["timeout"] {
		t.Errorf("run flags = %v, want var and timeout", flags)
	}
}

func TestHelpUnknownCommand(t *testing.T) {
	_, _, err := executeCommand(t, "help", "nope")
	if err == nil {
		t.Fatal("expected unknown command error")
	}
	if code := exitCode(t, err); code != shared.ExitBadInput {
		t.Errorf("exit code = %d, want %d", code, shared.ExitBadInput)
	}
}
