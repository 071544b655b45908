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

// Package serve implements the stepflow serve command, an in-process
// stepflowd. The standalone binary exists for deployments that do not
// want the CLI on the host.
package serve

import (
	"github.com/spf13/cobra"

	"github.com/forgeline/stepflow/internal/commands/shared"
	"github.com/forgeline/stepflow/internal/daemon"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var (
		addr       string
		libraryDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stepflow daemon",
		Long: `Serve starts the stepflow daemon in the foreground: the HTTP API, the
workflow library, the scheduler and the run store. Configuration comes
from the --config file plus STEPFLOW_* environment overrides; the flags
below override both.

The daemon runs until interrupted and then drains gracefully.`,
		Example: `  # Serve with defaults (sqlite store, 127.0.0.1:8784)
  stepflow serve

  # Serve a workflow directory on a public address
  stepflow serve --library ./workflows --addr 0.0.0.0:8784`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if libraryDir != "" {
				cfg.Library.Dir = libraryDir
			}

			version, _, _ := shared.GetVersion()
			d, err := daemon.New(cfg, daemon.Options{Version: version})
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&libraryDir, "library", "", "Workflow library directory (overrides config)")
	return cmd
}
