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

// Package cli assembles the stepflow root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/forgeline/stepflow/internal/commands/modules"
	"github.com/forgeline/stepflow/internal/commands/run"
	"github.com/forgeline/stepflow/internal/commands/serve"
	"github.com/forgeline/stepflow/internal/commands/shared"
	"github.com/forgeline/stepflow/internal/commands/validate"
	"github.com/forgeline/stepflow/internal/commands/version"
)

// SetVersion records build metadata. Called from main.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root stepflow command with all subcommands
// and global flags attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stepflow",
		Short: "Stepflow - declarative workflow automation",
		Long: `Stepflow runs declarative workflows: YAML or JSON documents whose steps
invoke built-in modules, branch on conditions and loop over data. Run
documents locally with 'stepflow run', check them with 'stepflow
validate', or host them with 'stepflow serve'.`,
		SilenceUsage:  true, // usage noise hides the actual error
		SilenceErrors: true, // main prints errors with exit codes
	}

	quiet, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress progress output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file")

	cmd.AddCommand(
		validate.NewCommand(),
		run.NewCommand(),
		modules.NewCommand(),
		serve.NewCommand(),
		version.NewCommand(),
	)
	cmd.AddCommand(NewHelpCommand(cmd))
	return cmd
}

// HandleExitError prints err and terminates with its exit code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
