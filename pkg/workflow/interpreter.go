package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// aiModulePrefix marks the capability family that accepts system prompt
// overrides.
const aiModulePrefix = "ai."

// Invoker dispatches a single capability invocation. The workflow package
// has no knowledge of which modules exist; hosts supply a registry-backed
// implementation.
type Invoker interface {
	Invoke(ctx context.Context, modulePath string, inputs map[string]any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, modulePath string, inputs map[string]any) (any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, modulePath string, inputs map[string]any) (any, error) {
	return f(ctx, modulePath, inputs)
}

// Outcome is the terminal result of one run.
type Outcome struct {
	// Success reports whether every step completed.
	Success bool `json:"success"`

	// Output is the last top-level step's value on success.
	Output any `json:"output,omitempty"`

	// Error is the annotated failure message when Success is false.
	Error string `json:"error,omitempty"`

	// ErrorStep is the id of the failing step, when one is known.
	ErrorStep string `json:"errorStep,omitempty"`
}

// Interpreter walks a step tree and executes it sequentially against an
// environment. One interpreter can serve many runs concurrently: all
// per-run state lives in the arguments to Run, and each run owns its
// Environment exclusively.
type Interpreter struct {
	invoker   Invoker
	emitter   Emitter
	overrides map[string]string
	logger    *slog.Logger
}

// NewInterpreter builds an interpreter that dispatches actions through
// invoker. Events are discarded until WithEmitter is called.
func NewInterpreter(invoker Invoker) *Interpreter {
	return &Interpreter{
		invoker: invoker,
		emitter: NullEmitter{},
		logger:  slog.Default(),
	}
}

// WithEmitter routes progress events to e.
func (it *Interpreter) WithEmitter(e Emitter) *Interpreter {
	if e != nil {
		it.emitter = e
	}
	return it
}

// WithSystemPromptOverrides installs operator-managed system prompts,
// keyed by exact step id. They apply only to steps in the ai capability
// family and replace whatever system prompt the workflow author wrote.
func (it *Interpreter) WithSystemPromptOverrides(overrides map[string]string) *Interpreter {
	it.overrides = overrides
	return it
}

// WithLogger sets the logger used for step tracing.
func (it *Interpreter) WithLogger(logger *slog.Logger) *Interpreter {
	if logger != nil {
		it.logger = logger
	}
	return it
}

// runFrame carries per-run identity through the step tree. index tracks the
// current top-level step: nested steps report their enclosing top-level
// position, which keeps client progress bars monotonic.
type runFrame struct {
	runID      string
	totalSteps int
	index      int
	topLevel   bool
}

// Run executes steps in document order against env and returns the terminal
// outcome. The environment is mutated in place: output bindings and loop
// aliases written during the run are visible afterwards. Exactly one
// terminal event is emitted, after all step events.
func (it *Interpreter) Run(ctx context.Context, runID string, steps []Step, env *Environment) Outcome {
	start := time.Now()
	logger := it.logger.With(slog.String("run_id", runID))

	it.emitter.Emit(NewWorkflowStarted(runID, len(steps)))
	logger.Debug("workflow started", slog.Int("total_steps", len(steps)))

	frame := &runFrame{runID: runID, totalSteps: len(steps), topLevel: true}
	values, err := it.executeSteps(ctx, steps, env, frame, logger)
	if err != nil {
		outcome := Outcome{Success: false, Error: err.Error(), ErrorStep: ErrorStepID(err)}
		it.emitter.Emit(NewWorkflowFailed(runID, outcome.Error, outcome.ErrorStep))
		logger.Error("workflow failed",
			slog.String("error", outcome.Error),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return outcome
	}

	output := lastValue(values)
	it.emitter.Emit(NewWorkflowCompleted(runID, time.Since(start), output))
	logger.Debug("workflow completed",
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return Outcome{Success: true, Output: output}
}

// executeBody runs a nested step list under the enclosing step's frame, so
// nested steps keep reporting the enclosing top-level index in their events.
func (it *Interpreter) executeBody(ctx context.Context, steps []Step, env *Environment, frame *runFrame, logger *slog.Logger) ([]any, error) {
	nested := *frame
	nested.topLevel = false
	return it.executeSteps(ctx, steps, env, &nested, logger)
}

// executeSteps runs a step list sequentially, collecting each step's value.
// The first failure stops the walk.
func (it *Interpreter) executeSteps(ctx context.Context, steps []Step, env *Environment, frame *runFrame, logger *slog.Logger) ([]any, error) {
	values := make([]any, 0, len(steps))
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return values, err
		}
		if frame.topLevel {
			frame.index = i
		}
		value, err := it.executeStep(ctx, &steps[i], env, frame, logger)
		if err != nil {
			return values, err
		}
		values = append(values, value)
	}
	return values, nil
}

// executeStep runs one step, emitting its started and completed/failed
// events. Failures are attributed once, at the step where they occur;
// errors already carrying a step attribution pass through untouched so
// enclosing control-flow steps do not emit duplicate step_failed events.
func (it *Interpreter) executeStep(ctx context.Context, step *Step, env *Environment, frame *runFrame, logger *slog.Logger) (any, error) {
	start := time.Now()
	stepLogger := logger.With(slog.String("step_id", step.ID))
	if step.ModulePath != "" {
		stepLogger = stepLogger.With(slog.String("module", step.ModulePath))
	}

	it.emitter.Emit(NewStepStarted(step.ID, frame.index, frame.totalSteps, step.ModulePath))
	stepLogger.Debug("step started", slog.String("type", string(step.Type)))

	value, err := it.dispatchStep(ctx, step, env, frame, stepLogger)
	if err != nil {
		var attributed *StepError
		if errors.As(err, &attributed) {
			return nil, err
		}
		annotated := &StepError{StepID: step.ID, ModulePath: actionModulePath(step), Err: err}
		it.emitter.Emit(NewStepFailed(step.ID, frame.index, annotated.Error()))
		stepLogger.Error("step failed",
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return nil, annotated
	}

	it.emitter.Emit(NewStepCompleted(step.ID, frame.index, time.Since(start), value))
	stepLogger.Debug("step completed",
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return value, nil
}

func (it *Interpreter) dispatchStep(ctx context.Context, step *Step, env *Environment, frame *runFrame, logger *slog.Logger) (any, error) {
	switch step.Type {
	case StepTypeAction:
		return it.executeAction(ctx, step, env, logger)
	case StepTypeCondition:
		return it.executeConditionStep(ctx, step, env, frame, logger)
	case StepTypeForEach:
		return it.executeForEach(ctx, step, env, frame, logger)
	case StepTypeWhile:
		return it.executeWhile(ctx, step, env, frame, logger)
	default:
		return nil, fmt.Errorf("unsupported step type %q", step.Type)
	}
}

// executeAction resolves the step's inputs and dispatches them through the
// invoker. When outputAs is set the module's output is bound into the
// environment before the step's value is returned.
func (it *Interpreter) executeAction(ctx context.Context, step *Step, env *Environment, logger *slog.Logger) (any, error) {
	if step.ModulePath == "" {
		return nil, fmt.Errorf("action step has no modulePath")
	}

	inputs := ResolveInputs(step.Inputs, env)
	it.applySystemPromptOverride(step, inputs)

	if logger.Enabled(ctx, slog.Level(-8)) {
		logger.Log(ctx, slog.Level(-8), "resolved inputs", slog.Any("inputs", inputs))
	}

	output, err := it.invoker.Invoke(ctx, step.ModulePath, inputs)
	if err != nil {
		return nil, err
	}
	if step.OutputAs != "" {
		env.Set(step.OutputAs, output)
	}
	return output, nil
}

// applySystemPromptOverride swaps in the operator-stored system prompt for
// an ai-family step whose id has an override configured. The override wins
// over any author-supplied options.system.
func (it *Interpreter) applySystemPromptOverride(step *Step, inputs map[string]any) {
	if len(it.overrides) == 0 || !strings.HasPrefix(step.ModulePath, aiModulePrefix) {
		return
	}
	override, ok := it.overrides[step.ID]
	if !ok {
		return
	}
	options, ok := inputs["options"].(map[string]any)
	if !ok {
		options = make(map[string]any)
		inputs["options"] = options
	}
	options["system"] = override
}

// executeConditionStep evaluates the condition and runs exactly one branch.
// A missing else branch is a no-op. The step's value is the last value the
// chosen branch produced, or nil when the branch is empty.
func (it *Interpreter) executeConditionStep(ctx context.Context, step *Step, env *Environment, frame *runFrame, logger *slog.Logger) (any, error) {
	ok, err := EvaluateCondition(step.Condition, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating condition: %w", err)
	}
	logger.Debug("condition evaluated", slog.Bool("result", ok))

	branch := step.Else
	if ok {
		branch = step.Then
	}
	if len(branch) == 0 {
		return nil, nil
	}

	values, err := it.executeBody(ctx, branch, env, frame, logger)
	if err != nil {
		return nil, err
	}
	return lastValue(values), nil
}

// executeForEach runs the body once per element, in order, binding the item
// alias (and index alias when present) before each pass. The step's value
// is every body step value across all iterations, flattened in execution
// order. The aliases keep their final values after the loop; workflows
// depend on reading them post-loop, so this stays even though fresh
// per-iteration scopes would be cleaner.
func (it *Interpreter) executeForEach(ctx context.Context, step *Step, env *Environment, frame *runFrame, logger *slog.Logger) (any, error) {
	if step.ArrayRef == "" {
		return nil, fmt.Errorf("forEach step has no arrayRef")
	}
	if step.ItemAlias == "" {
		return nil, fmt.Errorf("forEach step has no itemAlias")
	}

	resolved := ResolveValue(step.ArrayRef, env)
	items, ok := resolved.([]any)
	if !ok {
		return nil, fmt.Errorf("forEach requires an array, but %q resolved to %s",
			step.ArrayRef, jsonTypeName(resolved))
	}

	collected := make([]any, 0, len(items))
	for idx, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env.Set(step.ItemAlias, item)
		if step.IndexAlias != "" {
			env.Set(step.IndexAlias, float64(idx))
		}
		values, err := it.executeBody(ctx, step.Body, env, frame, logger)
		if err != nil {
			return nil, err
		}
		collected = append(collected, values...)
	}
	logger.Debug("forEach completed", slog.Int("iterations", len(items)))
	return collected, nil
}

// executeWhile re-evaluates the condition before each pass and stops as
// soon as it is false. A body that would run more than maxIterations times
// fails the step with a LoopLimitError instead of spinning forever.
func (it *Interpreter) executeWhile(ctx context.Context, step *Step, env *Environment, frame *runFrame, logger *slog.Logger) (any, error) {
	limit := step.maxIterationsOrDefault()

	var last any
	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		proceed, err := EvaluateCondition(step.Condition, env)
		if err != nil {
			return nil, fmt.Errorf("evaluating condition: %w", err)
		}
		if !proceed {
			break
		}
		if iterations >= limit {
			return nil, &LoopLimitError{StepID: step.ID, MaxIterations: limit}
		}
		values, err := it.executeBody(ctx, step.Body, env, frame, logger)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			last = values[len(values)-1]
		}
		iterations++
	}
	logger.Debug("while completed", slog.Int("iterations", iterations))
	return last, nil
}

func actionModulePath(step *Step) string {
	if step.Type == StepTypeAction {
		return step.ModulePath
	}
	return ""
}

func lastValue(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values[len(values)-1]
}
