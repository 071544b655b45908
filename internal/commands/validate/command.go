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

// Package validate implements the stepflow validate command.
package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeline/stepflow/internal/commands/shared"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Validate a workflow document",
		Long: `Validate checks a workflow document against the schema, the step rules,
the template variable flow and the full built-in module catalog. It needs
no daemon and no configuration.

Warnings do not fail validation; errors do.`,
		Example: `  # Validate a workflow file
  stepflow validate deploy.yaml

  # Machine-readable findings
  stepflow validate deploy.yaml --json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
	return cmd
}

func runValidate(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.NewInvalidWorkflowError("failed to read workflow file", err)
	}

	reg, closeCatalog, err := shared.NewCatalog(cmd.Context(), shared.CatalogOptions{
		WithUnconfigured: true,
	})
	if err != nil {
		return shared.NewRunFailedError("failed to build module catalog", err)
	}
	defer closeCatalog()

	validator, err := workflow.NewValidator(reg)
	if err != nil {
		return shared.NewRunFailedError("failed to build validator", err)
	}
	result := validator.ValidateBytes(data)

	if shared.GetJSON() {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		cmd.Println(string(out))
		if !result.Valid {
			return shared.NewInvalidWorkflowError("workflow failed validation", nil)
		}
		return nil
	}

	for _, f := range result.Errors {
		cmd.Println(shared.RenderFinding(f))
	}

	if !result.Valid {
		return shared.NewInvalidWorkflowError(fmt.Sprintf("%s failed validation", path), nil)
	}
	if !shared.GetQuiet() {
		cmd.Println(shared.RenderOK(fmt.Sprintf("%s is valid", path)))
	}
	return nil
}
