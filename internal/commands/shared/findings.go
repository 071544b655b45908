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

package shared

import "github.com/forgeline/stepflow/pkg/workflow"

// RenderFinding formats one validation finding for the terminal. The
// suggestion, when present, lands on its own indented line.
func RenderFinding(f workflow.Finding) string {
	line := f.Message
	if f.Path != "" {
		line = f.Path + ": " + f.Message
	}
	if f.IsWarning() {
		line = RenderWarn(line)
	} else {
		line = RenderError(line)
	}
	if f.Suggestion != "" {
		line += "\n  " + Muted.Render(f.Suggestion)
	}
	return line
}
