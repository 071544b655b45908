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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// Memory is an in-process store. Runs and event logs live in maps guarded by
// one mutex; all returned records are copies.
type Memory struct {
	mu     sync.Mutex
	runs   map[string]*Run
	events map[string][]workflow.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]*Run),
		events: make(map[string][]workflow.Event),
	}
}

var _ Store = (*Memory)(nil)

// CreateRun implements Store.
func (m *Memory) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	m.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements Store.
func (m *Memory) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	return run.Clone(), nil
}

// UpdateRun implements Store.
func (m *Memory) UpdateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return &pkgerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = run.Clone()
	return nil
}

// ListRuns implements Store.
func (m *Memory) ListRuns(ctx context.Context, filter Filter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Run
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		out = append(out, run.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteRun implements Store.
func (m *Memory) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	delete(m.runs, id)
	delete(m.events, id)
	return nil
}

// AppendEvent implements Store.
func (m *Memory) AppendEvent(ctx context.Context, runID string, event workflow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return &pkgerrors.NotFoundError{Resource: "run", ID: runID}
	}
	m.events[runID] = append(m.events[runID], event)
	return nil
}

// ListEvents implements Store.
func (m *Memory) ListEvents(ctx context.Context, runID string) ([]workflow.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "run", ID: runID}
	}
	out := make([]workflow.Event, len(m.events[runID]))
	copy(out, m.events[runID])
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
