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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/forgeline/stepflow/internal/commands/shared"
)

// CommandInfo describes one command for machine-readable help output.
type CommandInfo struct {
	Name        string     `json:"name"`
	Short       string     `json:"short"`
	Long        string     `json:"long,omitempty"`
	Usage       string     `json:"usage"`
	Aliases     []string   `json:"aliases,omitempty"`
	Flags       []FlagInfo `json:"flags,omitempty"`
	Subcommands []string   `json:"subcommands,omitempty"`
}

// FlagInfo describes one flag for machine-readable help output.
type FlagInfo struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

// NewHelpCommand creates the help command. It replaces cobra's default so
// that --json produces structured output for tooling and editor
// integrations.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help shows usage for stepflow commands.

Run 'stepflow help' to list all commands, or 'stepflow help <command>'
for details on one. With --json the same information is emitted as
structured output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if shared.GetJSON() {
					return printCommandListing(cmd, rootCmd)
				}
				return rootCmd.Help()
			}

			target, _, err := rootCmd.Find(args)
			if err != nil {
				return shared.NewBadInputError(fmt.Sprintf("unknown command %q", args[0]), err)
			}
			if shared.GetJSON() {
				return printCommandDetail(cmd, target, rootCmd)
			}
			return target.Help()
		},
	}
}

func printCommandListing(cmd *cobra.Command, rootCmd *cobra.Command) error {
	listing := struct {
		Commands    []CommandInfo `json:"commands"`
		GlobalFlags []FlagInfo    `json:"globalFlags"`
	}{
		GlobalFlags: describeFlags(rootCmd.PersistentFlags()),
	}
	for _, c := range rootCmd.Commands() {
		if c.Hidden {
			continue
		}
		listing.Commands = append(listing.Commands, describeCommand(c))
	}

	data, err := json.MarshalIndent(listing, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func printCommandDetail(cmd *cobra.Command, target *cobra.Command, rootCmd *cobra.Command) error {
	detail := struct {
		Command     CommandInfo `json:"command"`
		GlobalFlags []FlagInfo  `json:"globalFlags"`
	}{
		Command:     describeCommand(target),
		GlobalFlags: describeFlags(rootCmd.PersistentFlags()),
	}

	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func describeCommand(c *cobra.Command) CommandInfo {
	info := CommandInfo{
		Name:    c.Name(),
		Short:   c.Short,
		Long:    c.Long,
		Usage:   c.UseLine(),
		Aliases: c.Aliases,
		Flags:   describeFlags(c.Flags()),
	}
	for _, sub := range c.Commands() {
		if !sub.Hidden {
			info.Subcommands = append(info.Subcommands, sub.Name())
		}
	}
	return info
}

func describeFlags(fs *pflag.FlagSet) []FlagInfo {
	var flags []FlagInfo
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		flags = append(flags, FlagInfo{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Usage:     f.Usage,
			Default:   f.DefValue,
		})
	})
	return flags
}
