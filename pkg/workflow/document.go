package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepType identifies which variant of the step union a Step carries.
type StepType string

const (
	// StepTypeAction dispatches to a capability module.
	StepTypeAction StepType = "action"
	// StepTypeCondition branches on a boolean expression.
	StepTypeCondition StepType = "condition"
	// StepTypeForEach iterates over an array reference.
	StepTypeForEach StepType = "forEach"
	// StepTypeWhile loops while an expression holds, bounded by maxIterations.
	StepTypeWhile StepType = "while"
)

// DefaultMaxIterations is the while-loop safety bound applied when a
// while step does not set maxIterations explicitly.
const DefaultMaxIterations = 100

// Step is one node of a workflow's step graph. It is a tagged union: Type
// selects the variant and only that variant's fields are meaningful.
// Every step carries a caller-assigned ID, unique within its workflow, used
// for error attribution and progress correlation.
type Step struct {
	ID   string   `json:"id" yaml:"id"`
	Type StepType `json:"type" yaml:"type"`

	// Action fields.
	ModulePath string         `json:"modulePath,omitempty" yaml:"modulePath,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	OutputAs   string         `json:"outputAs,omitempty" yaml:"outputAs,omitempty"`

	// Condition and while share the expression field.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Condition branches.
	Then []Step `json:"then,omitempty" yaml:"then,omitempty"`
	Else []Step `json:"else,omitempty" yaml:"else,omitempty"`

	// ForEach fields.
	ArrayRef   string `json:"arrayRef,omitempty" yaml:"arrayRef,omitempty"`
	ItemAlias  string `json:"itemAlias,omitempty" yaml:"itemAlias,omitempty"`
	IndexAlias string `json:"indexAlias,omitempty" yaml:"indexAlias,omitempty"`

	// ForEach and while bodies.
	Body []Step `json:"body,omitempty" yaml:"body,omitempty"`

	// While safety bound. Zero means DefaultMaxIterations.
	MaxIterations int `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
}

// maxIterationsOrDefault returns the effective while-loop bound.
func (s *Step) maxIterationsOrDefault() int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return DefaultMaxIterations
}

// Children returns the step's nested step lists in document order.
// Action steps have none; condition steps yield then and else; loops
// yield their body.
func (s *Step) Children() [][]Step {
	switch s.Type {
	case StepTypeCondition:
		return [][]Step{s.Then, s.Else}
	case StepTypeForEach, StepTypeWhile:
		return [][]Step{s.Body}
	default:
		return nil
	}
}

// Trigger describes how a workflow is started. The engine validates trigger
// configuration shapes but never fires triggers itself.
type Trigger struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Trigger types understood by the validation engine.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerChat     = "chat"
)

// OutputDisplay describes how a client should render the run's final output.
type OutputDisplay struct {
	Type    string   `json:"type" yaml:"type"`
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// Output display renderers.
const (
	DisplayText  = "text"
	DisplayJSON  = "json"
	DisplayTable = "table"
)

// DocumentConfig carries the step graph and optional display descriptor.
type DocumentConfig struct {
	Steps         []Step         `json:"steps" yaml:"steps"`
	OutputDisplay *OutputDisplay `json:"outputDisplay,omitempty" yaml:"outputDisplay,omitempty"`
}

// Document is a complete workflow description: trigger plus step graph.
// It is the input to both the validation engine and, via Config.Steps, the
// interpreter. A document is never mutated by validation or interpretation.
type Document struct {
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Trigger Trigger        `json:"trigger" yaml:"trigger"`
	Config  DocumentConfig `json:"config" yaml:"config"`
}

// ParseDocument decodes a workflow document from JSON or YAML bytes.
// JSON is detected by a leading brace; everything else is parsed as YAML.
func ParseDocument(data []byte) (*Document, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if trimmed == "" {
		return nil, fmt.Errorf("document is empty")
	}

	var doc Document
	if trimmed[0] == '{' {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON document: %w", err)
		}
		return &doc, nil
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML document: %w", err)
	}
	return &doc, nil
}

// WalkSteps visits every step in the document's graph in document order:
// each step first, then its children (then, else, body). The walk stops
// early if fn returns false.
func WalkSteps(steps []Step, fn func(step *Step) bool) bool {
	for i := range steps {
		step := &steps[i]
		if !fn(step) {
			return false
		}
		for _, children := range step.Children() {
			if !WalkSteps(children, fn) {
				return false
			}
		}
	}
	return true
}

// CollectStepIDs returns the IDs of all steps in the graph in document order.
func CollectStepIDs(steps []Step) []string {
	var ids []string
	WalkSteps(steps, func(s *Step) bool {
		ids = append(ids, s.ID)
		return true
	})
	return ids
}
