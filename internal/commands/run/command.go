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

// Package run implements the stepflow run command: local, in-process
// workflow execution with live progress.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeline/stepflow/internal/capability/httpcap"
	"github.com/forgeline/stepflow/internal/commands/shared"
	"github.com/forgeline/stepflow/internal/log"
	"github.com/forgeline/stepflow/internal/runner"
	"github.com/forgeline/stepflow/internal/store"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		varArgs []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow locally",
		Long: `Run executes a workflow document in-process, without a daemon. The
document is validated first; progress streams to stderr and the rendered
run output goes to stdout.

Seed variables are passed as --var name=value and are available to
every step through {{user.name}} references.`,
		Example: `  # Run a workflow
  stepflow run deploy.yaml

  # Run with seed variables
  stepflow run deploy.yaml --var region=eu --var channel=ops

  # Machine-readable result
  stepflow run deploy.yaml --json | jq .status`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd, args[0], varArgs, timeout)
		},
	}

	cmd.Flags().StringArrayVar(&varArgs, "var", nil, "Seed variable as name=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this duration")
	return cmd
}

func runLocal(cmd *cobra.Command, path string, varArgs []string, timeout time.Duration) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(path)
	if err != nil {
		return shared.NewInvalidWorkflowError("failed to read workflow file", err)
	}
	doc, err := workflow.ParseDocument(data)
	if err != nil {
		return shared.NewInvalidWorkflowError("failed to parse workflow", err)
	}
	vars, err := parseVars(varArgs)
	if err != nil {
		return shared.NewBadInputError("invalid --var", err)
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return shared.NewRunFailedError("failed to load config", err)
	}

	reg, closeCatalog, err := shared.NewCatalog(ctx, shared.CatalogOptions{
		HTTP: httpcap.Config{
			Timeout:           cfg.HTTP.Timeout,
			MaxResponseSize:   cfg.HTTP.MaxResponseSize,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
		},
		AIBaseURL: cfg.AI.BaseURL,
		AITimeout: cfg.AI.Timeout,
	})
	if err != nil {
		return shared.NewRunFailedError("failed to build module catalog", err)
	}
	defer closeCatalog()

	validator, err := workflow.NewValidator(reg)
	if err != nil {
		return shared.NewRunFailedError("failed to build validator", err)
	}
	if result := validator.Validate(doc); !result.Valid {
		for _, f := range result.Errors {
			cmd.PrintErrln(shared.RenderFinding(f))
		}
		return shared.NewInvalidWorkflowError("workflow failed validation", nil)
	}

	st := store.NewMemory()
	eng := runner.New(reg, st, runner.Options{
		MaxParallel: 1,
		RunTimeout:  timeout,
		Logger:      log.New(&log.Config{Level: "error", Format: log.FormatText}),
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Close(closeCtx)
	}()

	id, err := eng.Submit(ctx, runner.Request{
		Document: doc,
		Vars:     vars,
		Trigger:  map[string]any{"type": workflow.TriggerManual},
	})
	if err != nil {
		return shared.NewRunFailedError("failed to start run", err)
	}

	sub, err := eng.Subscribe(ctx, id)
	if err != nil {
		return shared.NewRunFailedError("failed to stream run events", err)
	}
	defer sub.Close()

	progress := cmd.ErrOrStderr()
	for _, ev := range sub.Replay {
		printEvent(progress, ev)
	}
stream:
	for sub.Live != nil {
		select {
		case <-ctx.Done():
			// Interrupt: cancel the run, then drain the remaining events.
			if err := eng.Cancel(context.Background(), id); err == nil {
				for ev := range sub.Live {
					printEvent(progress, ev)
				}
			}
			break stream
		case ev, ok := <-sub.Live:
			if !ok {
				break stream
			}
			printEvent(progress, ev)
		}
	}

	final, err := st.GetRun(context.Background(), id)
	if err != nil {
		return shared.NewRunFailedError("failed to load run result", err)
	}

	if shared.GetJSON() {
		out, err := json.MarshalIndent(final, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		cmd.Println(string(out))
	} else if final.Output != nil {
		cmd.Println(renderOutput(final.Output))
	}

	if final.Status != store.StatusSucceeded {
		var cause error
		if final.Error != "" {
			cause = errors.New(final.Error)
		}
		return shared.NewRunFailedError(fmt.Sprintf("run %s", final.Status), cause)
	}
	return nil
}

// parseVars turns repeated name=value arguments into the seed variable map.
// Values stay strings; steps coerce them as needed.
func parseVars(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		vars[name] = value
	}
	return vars, nil
}

// renderOutput prints string outputs verbatim and everything else as JSON.
func renderOutput(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	encoded, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(encoded)
}

func printEvent(w io.Writer, ev workflow.Event) {
	if shared.GetQuiet() {
		return
	}
	switch ev.Type {
	case workflow.EventWorkflowStarted:
		fmt.Fprintln(w, shared.RenderInfo(fmt.Sprintf("workflow started (%v steps)", ev.Data["totalSteps"])))
	case workflow.EventStepStarted:
		if module, ok := ev.Data["module"].(string); ok {
			fmt.Fprintln(w, shared.RenderInfo(fmt.Sprintf("%v %s", ev.Data["stepId"], shared.Muted.Render(module))))
		} else {
			fmt.Fprintln(w, shared.RenderInfo(fmt.Sprintf("%v", ev.Data["stepId"])))
		}
	case workflow.EventStepCompleted:
		fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("%v (%vms)", ev.Data["stepId"], ev.Data["duration"])))
	case workflow.EventStepFailed:
		fmt.Fprintln(w, shared.RenderError(fmt.Sprintf("%v: %v", ev.Data["stepId"], ev.Data["error"])))
	case workflow.EventWorkflowCompleted:
		fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("workflow completed in %vms", ev.Data["duration"])))
	case workflow.EventWorkflowFailed:
		fmt.Fprintln(w, shared.RenderError(fmt.Sprintf("workflow failed: %v", ev.Data["error"])))
	}
}
