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

// Package store persists workflow runs and their progress event logs. The
// memory backend serves tests and one-shot CLI runs; the sqlite subpackage
// is the daemon's backend.
package store

import (
	"context"
	"time"

	"github.com/forgeline/stepflow/pkg/workflow"
)

// RunStatus is the lifecycle state of a persisted run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Run is one persisted workflow run.
type Run struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflowName"`
	Status       RunStatus      `json:"status"`
	Vars         map[string]any `json:"vars,omitempty"`
	TotalSteps   int            `json:"totalSteps"`

	// Terminal outcome. Output is meaningful for succeeded runs; Error and
	// ErrorStep for failed ones.
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorStep string `json:"errorStep,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a shallow copy safe to hand out of a store.
func (r *Run) Clone() *Run {
	copied := *r
	return &copied
}

// Filter narrows ListRuns output.
type Filter struct {
	// Status restricts to one lifecycle state when non-empty.
	Status RunStatus

	// WorkflowName restricts to one workflow when non-empty.
	WorkflowName string

	// Limit caps the result count when positive. Runs are returned newest
	// first.
	Limit int
}

// Store persists runs and their event logs. Implementations are safe for
// concurrent use.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter Filter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// AppendEvent adds one progress event to the run's ordered log.
	AppendEvent(ctx context.Context, runID string, event workflow.Event) error

	// ListEvents returns the run's event log in append order.
	ListEvents(ctx context.Context, runID string) ([]workflow.Event, error)

	Close() error
}
