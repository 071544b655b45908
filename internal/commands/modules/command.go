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

// Package modules implements the stepflow modules command.
package modules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeline/stepflow/internal/commands/shared"
)

// NewCommand creates the modules command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List the built-in module catalog",
		Long: `Modules prints every module path the engine can invoke, grouped by
category. Module paths have the form category.module.function and are
what action steps reference as modulePath.`,
		Example: `  stepflow modules
  stepflow modules --json | jq '.modules[].path'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runModules,
	}
	return cmd
}

func runModules(cmd *cobra.Command, _ []string) error {
	reg, closeCatalog, err := shared.NewCatalog(cmd.Context(), shared.CatalogOptions{
		WithUnconfigured: true,
	})
	if err != nil {
		return shared.NewRunFailedError("failed to build module catalog", err)
	}
	defer closeCatalog()

	catalog := reg.Catalog()

	if shared.GetJSON() {
		out, err := json.MarshalIndent(map[string]any{
			"modules": catalog,
			"count":   len(catalog),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal catalog: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}

	lastCategory := ""
	for _, entry := range catalog {
		category, _, _ := strings.Cut(entry.Path, ".")
		if category != lastCategory {
			if lastCategory != "" {
				cmd.Println()
			}
			cmd.Println(shared.Header.Render(category))
			lastCategory = category
		}
		cmd.Printf("  %-26s %s\n", entry.Path, shared.Muted.Render(entry.Description))
	}
	return nil
}
