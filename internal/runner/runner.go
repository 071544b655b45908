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

// Package runner executes workflow runs in the background: it seeds each
// run's environment, bounds concurrency, persists progress events, and fans
// the live event stream out to subscribers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/stepflow/internal/credentials"
	"github.com/forgeline/stepflow/internal/log"
	"github.com/forgeline/stepflow/internal/store"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// Collector receives run and step outcomes for metrics. Implementations
// must be safe for concurrent use and must not block.
type Collector interface {
	// ObserveRun records a finished run with its terminal status.
	ObserveRun(status string, duration time.Duration)

	// ObserveStep records a finished step. status is "succeeded" or
	// "failed".
	ObserveStep(status string, duration time.Duration)
}

// NopCollector discards all observations.
type NopCollector struct{}

func (NopCollector) ObserveRun(string, time.Duration)  {}
func (NopCollector) ObserveStep(string, time.Duration) {}

// Options tunes a Runner. The zero value gives workable defaults.
type Options struct {
	// MaxParallel bounds concurrently executing runs. Submissions beyond
	// the bound stay pending until a slot frees. Defaults to 4.
	MaxParallel int

	// EventBuffer is the capacity of the per-run emitter between the
	// interpreter and the persistence pump. Defaults to
	// workflow.DefaultEventBuffer.
	EventBuffer int

	// SubscriberBuffer is the per-subscriber channel capacity for live
	// event fan-out. A subscriber that falls behind loses events and can
	// recover from the persisted log. Defaults to 64.
	SubscriberBuffer int

	// RunTimeout caps a single run's execution when positive.
	RunTimeout time.Duration

	// Credentials resolves {{credential.*}} references at seed time.
	// Defaults to the environment-then-keyring chain.
	Credentials credentials.Source

	// SystemPromptOverrides are operator-managed system prompts keyed by
	// step id, applied to ai-family steps.
	SystemPromptOverrides map[string]string

	Logger    *slog.Logger
	Collector Collector
}

// Request describes one run submission.
type Request struct {
	// Document is the parsed workflow. Required.
	Document *workflow.Document

	// Vars populates the user namespace.
	Vars map[string]any

	// Trigger populates the trigger namespace. When nil, a minimal payload
	// with the document's trigger type is used.
	Trigger map[string]any
}

// Subscription is a gap-free view of one run's event stream: Replay holds
// everything emitted before the subscription, Live delivers what follows.
// Live is nil when the run had already finished. Close releases the
// subscription; the runner also closes Live when the run ends.
type Subscription struct {
	Replay []workflow.Event
	Live   <-chan workflow.Event

	cancel func()
}

// Close releases the subscription.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type activeRun struct {
	cancel context.CancelFunc
	hub    *eventHub
}

// Runner owns run execution for a daemon or CLI process.
type Runner struct {
	invoker   workflow.Invoker
	store     store.Store
	opts      Options
	sem       chan struct{}
	collector Collector
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool

	wg sync.WaitGroup
}

// New builds a Runner executing steps through invoker and persisting state
// in st.
func New(invoker workflow.Invoker, st store.Store, opts Options) *Runner {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = workflow.DefaultEventBuffer
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	collector := opts.Collector
	if collector == nil {
		collector = NopCollector{}
	}
	return &Runner{
		invoker:   invoker,
		store:     st,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxParallel),
		collector: collector,
		logger:    log.WithComponent(opts.Logger, "runner"),
		active:    map[string]*activeRun{},
	}
}

// Submit registers a run and schedules it for execution. It returns the run
// id as soon as the run is persisted as pending; execution proceeds in the
// background. Credential resolution happens here so a missing credential
// fails the submission, not the run.
func (r *Runner) Submit(ctx context.Context, req Request) (string, error) {
	if req.Document == nil {
		return "", fmt.Errorf("submit requires a document")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("runner is shut down")
	}
	r.mu.Unlock()

	steps := req.Document.Config.Steps
	creds, err := credentials.Seed(ctx, r.opts.Credentials, workflow.CredentialNames(steps))
	if err != nil {
		return "", fmt.Errorf("seeding credentials: %w", err)
	}

	id := uuid.NewString()
	run := &store.Run{
		ID:           id,
		WorkflowName: req.Document.Name,
		Status:       store.StatusPending,
		Vars:         req.Vars,
		TotalSteps:   len(steps),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	seed := map[string]any{
		"user":       valueOrEmpty(req.Vars),
		"trigger":    triggerPayload(req),
		"credential": creds,
		"workflow": map[string]any{
			"name":  req.Document.Name,
			"runId": id,
		},
	}

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &activeRun{cancel: cancel, hub: newEventHub(r.opts.SubscriberBuffer)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", fmt.Errorf("runner is shut down")
	}
	r.active[id] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(runCtx, run, steps, seed, entry)
	return id, nil
}

// Cancel stops an active run. Canceling a finished or unknown run is an
// error.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		entry.cancel()
		return nil
	}

	if _, err := r.store.GetRun(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("run %s is not active", id)
}

// Subscribe returns the run's event stream: the full history so far plus a
// live tail while the run is active. For finished runs the replay comes
// from the store and Live is nil.
func (r *Runner) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	r.mu.Lock()
	entry, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		replay, live, cancel := entry.hub.subscribe()
		return &Subscription{Replay: replay, Live: live, cancel: cancel}, nil
	}

	events, err := r.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Subscription{Replay: events}, nil
}

// Active reports how many runs are pending or executing.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close cancels all active runs and waits for them to settle, bounded by
// ctx.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, entry := range r.active {
		entry.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active runs: %w", ctx.Err())
	}
}

func (r *Runner) execute(ctx context.Context, run *store.Run, steps []workflow.Step, seed map[string]any, entry *activeRun) {
	defer r.wg.Done()
	defer r.finish(run.ID, entry)

	logger := log.WithRunContext(r.logger, run.ID, run.WorkflowName)

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		now := time.Now().UTC()
		run.Status = store.StatusCanceled
		run.CompletedAt = &now
		r.persist(run, logger)
		r.collector.ObserveRun(string(store.StatusCanceled), 0)
		logger.Info("run canceled before start")
		return
	}

	if r.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RunTimeout)
		defer cancel()
	}

	started := time.Now().UTC()
	run.Status = store.StatusRunning
	run.StartedAt = &started
	r.persist(run, logger)
	logger.Info("run started", slog.Int("total_steps", run.TotalSteps))

	emitter := workflow.NewChannelEmitter(r.opts.EventBuffer)
	pumpDone := make(chan struct{})
	go r.pump(run.ID, emitter, entry.hub, logger, pumpDone)

	interp := workflow.NewInterpreter(r.invoker).
		WithEmitter(emitter).
		WithLogger(logger).
		WithSystemPromptOverrides(r.opts.SystemPromptOverrides)
	outcome := interp.Run(ctx, run.ID, steps, workflow.NewEnvironment(seed))

	emitter.Close()
	<-pumpDone
	if dropped := emitter.Dropped(); dropped > 0 {
		logger.Warn("event buffer overflowed", slog.Int64("dropped", dropped))
	}

	completed := time.Now().UTC()
	duration := completed.Sub(started)
	run.Status = terminalStatus(ctx, outcome)
	run.Output = outcome.Output
	run.Error = outcome.Error
	run.ErrorStep = outcome.ErrorStep
	run.CompletedAt = &completed
	r.persist(run, logger)

	r.collector.ObserveRun(string(run.Status), duration)
	logger.Info("run finished",
		slog.String("status", string(run.Status)),
		slog.Int64("duration_ms", duration.Milliseconds()))
}

// pump drains the run's emitter, persisting each event and fanning it out
// to subscribers. It also measures per-step wall time for metrics.
func (r *Runner) pump(runID string, emitter *workflow.ChannelEmitter, hub *eventHub, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)

	stepStarts := map[string]time.Time{}
	for event := range emitter.Events() {
		if err := r.store.AppendEvent(context.Background(), runID, event); err != nil {
			logger.Error("persisting event failed", log.Error(err))
		}
		hub.broadcast(event)

		stepID, _ := event.Data["stepId"].(string)
		switch event.Type {
		case workflow.EventStepStarted:
			stepStarts[stepID] = time.Now()
		case workflow.EventStepCompleted:
			r.collector.ObserveStep("succeeded", sinceStart(stepStarts, stepID))
		case workflow.EventStepFailed:
			r.collector.ObserveStep("failed", sinceStart(stepStarts, stepID))
		}
	}
}

// finish closes the run's fan-out and drops it from the active set. Every
// event is persisted before this runs, so late subscribers replay a
// complete log from the store.
func (r *Runner) finish(id string, entry *activeRun) {
	if dropped := entry.hub.droppedCount(); dropped > 0 {
		r.logger.Warn("subscribers dropped events",
			slog.String("run_id", id), slog.Int64("dropped", dropped))
	}
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
	entry.hub.close()
}

func (r *Runner) persist(run *store.Run, logger *slog.Logger) {
	if err := r.store.UpdateRun(context.Background(), run); err != nil {
		logger.Error("persisting run failed", log.Error(err))
	}
}

func terminalStatus(ctx context.Context, outcome workflow.Outcome) store.RunStatus {
	if outcome.Success {
		return store.StatusSucceeded
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return store.StatusCanceled
	}
	return store.StatusFailed
}

func sinceStart(starts map[string]time.Time, stepID string) time.Duration {
	start, ok := starts[stepID]
	if !ok {
		return 0
	}
	return time.Since(start)
}

func valueOrEmpty(vars map[string]any) map[string]any {
	if vars == nil {
		return map[string]any{}
	}
	return vars
}

func triggerPayload(req Request) map[string]any {
	if req.Trigger != nil {
		return req.Trigger
	}
	triggerType := workflow.TriggerManual
	if req.Document.Trigger.Type != "" {
		triggerType = req.Document.Trigger.Type
	}
	return map[string]any{"type": triggerType}
}
