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

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitErrorMessage(t *testing.T) {
	cause := errors.New("file missing")
	err := NewInvalidWorkflowError("failed to read workflow", cause)

	if got := err.Error(); got != "failed to read workflow: file missing" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	bare := NewRunFailedError("run failed", nil)
	if got := bare.Error(); got != "run failed" {
		t.Errorf("Error() without cause = %q", got)
	}
}

func TestExitErrorCodes(t *testing.T) {
	tests := []struct {
		err  *ExitError
		want int
	}{
		{NewRunFailedError("x", nil), ExitRunFailed},
		{NewInvalidWorkflowError("x", nil), ExitInvalidWorkflow},
		{NewBadInputError("x", nil), ExitBadInput},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.want {
			t.Errorf("%s: code = %d, want %d", tt.err.Message, tt.err.Code, tt.want)
		}
	}
}

func TestExitErrorThroughWrap(t *testing.T) {
	inner := NewBadInputError("bad --var", nil)
	wrapped := fmt.Errorf("argument parsing: %w", inner)

	var exitErr *ExitError
	if !errors.As(wrapped, &exitErr) {
		t.Fatal("ExitError not found through wrap")
	}
	if exitErr.Code != ExitBadInput {
		t.Errorf("code = %d, want %d", exitErr.Code, ExitBadInput)
	}
}
