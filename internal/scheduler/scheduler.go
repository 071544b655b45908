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

// Package scheduler submits library workflows with schedule triggers on
// their cron expressions. The job set follows the library: a reload adds,
// reschedules, and removes jobs to match the documents on disk.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forgeline/stepflow/internal/library"
	"github.com/forgeline/stepflow/internal/log"
	"github.com/forgeline/stepflow/internal/runner"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// Submitter is the slice of the run manager the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, req runner.Request) (string, error)
}

// Job describes one scheduled workflow for inspection.
type Job struct {
	Workflow string    `json:"workflow"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
}

type job struct {
	id   cron.EntryID
	spec string
}

// Scheduler owns a cron runner whose entries mirror the library's
// schedule-triggered workflows.
type Scheduler struct {
	library *library.Library
	runner  Submitter
	logger  *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]job
	running bool
}

// New builds a scheduler over lib. Nothing is scheduled until Start.
func New(lib *library.Library, submitter Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		library: lib,
		runner:  submitter,
		logger:  log.WithComponent(logger, "scheduler"),
		cron:    cron.New(),
		jobs:    map[string]job{},
	}
}

// Start syncs jobs with the library, hooks library reloads, and begins
// firing. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.Refresh()
	s.library.OnReload(s.Refresh)
	s.cron.Start()
}

// Stop halts firing and waits for in-flight submissions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// Refresh reconciles the job set against the library's current entries.
// Workflows with unparseable cron expressions are skipped with a warning;
// the validation engine reports those to authors separately.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, entry := range s.library.List() {
		doc := entry.Document
		if doc == nil || doc.Trigger.Type != workflow.TriggerSchedule {
			continue
		}
		spec, ok := cronSpec(doc.Trigger.Config)
		if !ok {
			s.logger.Warn("schedule trigger missing cron expression",
				slog.String("workflow", entry.Name))
			continue
		}
		seen[entry.Name] = true

		if existing, ok := s.jobs[entry.Name]; ok {
			if existing.spec == spec {
				continue
			}
			s.cron.Remove(existing.id)
			delete(s.jobs, entry.Name)
		}

		name := entry.Name
		id, err := s.cron.AddFunc(spec, func() { s.fire(name) })
		if err != nil {
			s.logger.Warn("workflow not schedulable",
				slog.String("workflow", name),
				slog.String("spec", spec),
				log.Error(err))
			continue
		}
		s.jobs[name] = job{id: id, spec: spec}
		s.logger.Info("workflow scheduled",
			slog.String("workflow", name),
			slog.String("spec", spec))
	}

	for name, j := range s.jobs {
		if seen[name] {
			continue
		}
		s.cron.Remove(j.id)
		delete(s.jobs, name)
		s.logger.Info("workflow unscheduled", slog.String("workflow", name))
	}
}

// Jobs returns the current job set sorted by workflow name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for name, j := range s.jobs {
		out = append(out, Job{
			Workflow: name,
			Spec:     j.spec,
			Next:     s.cron.Entry(j.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workflow < out[j].Workflow })
	return out
}

// fire submits one scheduled run. The document is fetched fresh so edits
// between firings take effect without rescheduling.
func (s *Scheduler) fire(name string) {
	doc, err := s.library.Get(name)
	if err != nil {
		s.logger.Warn("scheduled workflow vanished",
			slog.String("workflow", name), log.Error(err))
		return
	}
	id, err := s.runner.Submit(context.Background(), runner.Request{
		Document: doc,
		Trigger: map[string]any{
			"type":        workflow.TriggerSchedule,
			"scheduledAt": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.logger.Error("scheduled run rejected",
			slog.String("workflow", name), log.Error(err))
		return
	}
	s.logger.Info("scheduled run submitted",
		slog.String("workflow", name),
		slog.String(log.RunIDKey, id))
}

// cronSpec builds the cron/v3 spec from a schedule trigger's config,
// folding the required timezone in via the CRON_TZ prefix.
func cronSpec(cfg map[string]any) (string, bool) {
	expr, _ := cfg["cron"].(string)
	if expr == "" {
		return "", false
	}
	if tz, _ := cfg["timezone"].(string); tz != "" {
		return "CRON_TZ=" + tz + " " + expr, true
	}
	return expr, true
}
