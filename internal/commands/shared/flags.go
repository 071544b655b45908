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

// Package shared holds state and helpers common to all stepflow commands:
// global flags, exit codes, terminal styles and the module catalog builder.
package shared

// Global flag values, bound by the root command.
var (
	quietFlag  bool
	jsonFlag   bool
	configFlag string

	// Build-time version information, set from main.
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers for the root command to bind its
// persistent flags to.
func RegisterFlagPointers() (quiet *bool, json *bool, config *string) {
	return &quietFlag, &jsonFlag, &configFlag
}

// SetVersion records build metadata. Called from main before Execute.
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetQuiet reports whether --quiet was given.
func GetQuiet() bool { return quietFlag }

// GetJSON reports whether --json was given.
func GetJSON() bool { return jsonFlag }

// GetConfigPath returns the --config value, empty for defaults.
func GetConfigPath() string { return configFlag }

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}
