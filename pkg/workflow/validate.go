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

package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/forgeline/stepflow/schemas"
)

// WarningKeywordPrefix marks findings that flag likely mistakes without
// making the document invalid.
const WarningKeywordPrefix = "warn-"

// Finding is one validation complaint about a workflow document. Findings
// are pure values produced in bulk; they are never mutated after creation.
type Finding struct {
	// Path locates the offending value, e.g. "config.steps[2].inputs".
	Path string `json:"path"`

	// Message is the human-readable complaint.
	Message string `json:"message"`

	// Keyword identifies the rule class ("required", "type", "module",
	// "variable", "cron", "display", ...).
	Keyword string `json:"keyword"`

	// Suggestion, when present, is a concrete fix the author can apply.
	Suggestion string `json:"suggestion,omitempty"`
}

// IsWarning reports whether the finding is advisory rather than an error.
func (f Finding) IsWarning() bool {
	return strings.HasPrefix(f.Keyword, WarningKeywordPrefix)
}

// Result is the outcome of validating one document. Valid ignores
// warning-class findings; Errors carries every finding, warnings included.
type Result struct {
	Valid  bool      `json:"valid"`
	Errors []Finding `json:"errors"`
}

func newResult(findings []Finding) Result {
	if findings == nil {
		findings = []Finding{}
	}
	valid := true
	for _, f := range findings {
		if !f.IsWarning() {
			valid = false
			break
		}
	}
	return Result{Valid: valid, Errors: findings}
}

// RegistryView is the read-only registry surface the validator consults for
// module existence and progressively narrowed suggestions. Implementations
// return sorted name lists.
type RegistryView interface {
	Has(modulePath string) bool
	Categories() []string
	Modules(category string) []string
	Functions(category, module string) []string
}

// Validator performs static analysis of workflow documents. It is read-only
// and safe for concurrent use; validating never mutates the document.
//
// Checks are layered: structural schema conformance plus trigger sub-shapes
// first, then module existence, variable declaration order, capability
// family rules, and output display consistency. Findings from the semantic
// layers concatenate; they run only once the document is structurally sound.
type Validator struct {
	registry RegistryView
	schema   *jsonschema.Schema
	cron     cron.Parser
}

// NewValidator compiles the embedded document schema and returns a validator
// that resolves module paths against registry.
func NewValidator(registry RegistryView) (*Validator, error) {
	var schemaDoc any
	if err := json.Unmarshal(schemas.GetWorkflowSchema(), &schemaDoc); err != nil {
		return nil, fmt.Errorf("parsing embedded schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("workflow.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile("workflow.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	return &Validator{
		registry: registry,
		schema:   compiled,
		cron:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}, nil
}

// ValidateBytes validates a raw JSON or YAML document. Undecodable input
// yields a single syntax finding rather than an error: a document that
// cannot be parsed is just maximally invalid.
func (v *Validator) ValidateBytes(data []byte) Result {
	instance, err := documentInstance(data)
	if err != nil {
		return newResult([]Finding{{Message: err.Error(), Keyword: "syntax"}})
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return newResult([]Finding{{Message: err.Error(), Keyword: "syntax"}})
	}
	return v.validate(doc, instance)
}

// Validate validates an already-parsed document.
func (v *Validator) Validate(doc *Document) Result {
	data, err := json.Marshal(doc)
	if err != nil {
		return newResult([]Finding{{Message: fmt.Sprintf("encoding document: %v", err), Keyword: "syntax"}})
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return newResult([]Finding{{Message: fmt.Sprintf("decoding document: %v", err), Keyword: "syntax"}})
	}
	return v.validate(doc, instance)
}

func (v *Validator) validate(doc *Document, instance any) Result {
	findings := v.checkStructure(doc, instance)
	if len(findings) > 0 {
		// Semantic layers assume a structurally sound tree.
		return newResult(findings)
	}

	findings = append(findings, v.checkModulePaths(doc.Config.Steps)...)
	findings = append(findings, checkDeclarations(doc.Config.Steps)...)
	findings = append(findings, checkFamilyRules(doc.Config.Steps)...)
	findings = append(findings, checkOutputDisplay(doc)...)
	return newResult(findings)
}

// documentInstance decodes raw input into the JSON-shaped value the schema
// validator expects. YAML input is round-tripped through JSON so numbers and
// nested maps take their canonical JSON-decoded forms.
func documentInstance(data []byte) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("document is empty")
	}
	if trimmed[0] != '{' {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing YAML document: %w", err)
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encoding document: %w", err)
		}
		data = encoded
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("parsing JSON document: %w", err)
	}
	return instance, nil
}

// checkStructure runs the schema over the document, then the trigger
// sub-shape checks and the step id uniqueness invariant that the schema
// cannot express.
func (v *Validator) checkStructure(doc *Document, instance any) []Finding {
	var findings []Finding

	if err := v.schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for _, cause := range flattenCauses(ve) {
				findings = append(findings, Finding{
					Path:    instancePath(cause.InstanceLocation),
					Message: fmt.Sprintf("%v", cause.ErrorKind),
					Keyword: schemaKeyword(cause),
				})
			}
		} else {
			findings = append(findings, Finding{Message: err.Error(), Keyword: "schema"})
		}
	}

	findings = append(findings, v.checkTrigger(doc.Trigger)...)
	findings = append(findings, checkStepIDs(doc.Config.Steps)...)
	return findings
}

// flattenCauses recursively collects the leaf validation errors.
func flattenCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var flat []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenCauses(cause)...)
	}
	return flat
}

func schemaKeyword(ve *jsonschema.ValidationError) string {
	if ve.ErrorKind == nil {
		return "schema"
	}
	if path := ve.ErrorKind.KeywordPath(); len(path) > 0 {
		return path[len(path)-1]
	}
	return "schema"
}

// instancePath renders a schema instance location as a dotted path with
// bracketed array indexes, matching the style of hand-written findings.
func instancePath(location []string) string {
	var sb strings.Builder
	for _, seg := range location {
		if _, err := strconv.Atoi(seg); err == nil {
			sb.WriteString("[" + seg + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg)
	}
	return sb.String()
}

// checkTrigger validates trigger-specific configuration sub-shapes. Unknown
// trigger types are already rejected by the schema enum.
func (v *Validator) checkTrigger(trigger Trigger) []Finding {
	var findings []Finding
	cfg := trigger.Config

	switch trigger.Type {
	case TriggerSchedule:
		expr, _ := cfg["cron"].(string)
		if expr == "" {
			findings = append(findings, Finding{
				Path:       "trigger.config.cron",
				Message:    "schedule trigger requires a cron expression",
				Keyword:    "required",
				Suggestion: `add "cron": "0 9 * * 1-5"`,
			})
		} else if _, err := v.cron.Parse(expr); err != nil {
			findings = append(findings, Finding{
				Path:    "trigger.config.cron",
				Message: fmt.Sprintf("invalid cron expression %q: %v", expr, err),
				Keyword: "cron",
			})
		}

		tz, _ := cfg["timezone"].(string)
		if tz == "" {
			findings = append(findings, Finding{
				Path:       "trigger.config.timezone",
				Message:    "schedule trigger requires a timezone",
				Keyword:    "required",
				Suggestion: `add "timezone": "UTC"`,
			})
		} else if _, err := time.LoadLocation(tz); err != nil {
			findings = append(findings, Finding{
				Path:       "trigger.config.timezone",
				Message:    fmt.Sprintf("unknown timezone %q", tz),
				Keyword:    "timezone",
				Suggestion: `use an IANA name such as "America/New_York"`,
			})
		}

	case TriggerChat:
		findings = append(findings, checkChatFields(cfg)...)

	case TriggerWebhook:
		if method, _ := cfg["method"].(string); method != "" {
			switch strings.ToUpper(method) {
			case "GET", "POST", "PUT", "DELETE":
			default:
				findings = append(findings, Finding{
					Path:       "trigger.config.method",
					Message:    fmt.Sprintf("unsupported webhook method %q", method),
					Keyword:    "enum",
					Suggestion: "use one of GET, POST, PUT, DELETE",
				})
			}
		}
	}

	return findings
}

// chatFieldTypes are the input widget types a chat trigger may declare.
var chatFieldTypes = []string{"string", "number", "boolean", "select"}

func checkChatFields(cfg map[string]any) []Finding {
	rawFields, ok := cfg["fields"].([]any)
	if !ok {
		return nil
	}

	var findings []Finding
	seen := make(map[string]int)
	for i, raw := range rawFields {
		at := fmt.Sprintf("trigger.config.fields[%d]", i)
		field, ok := raw.(map[string]any)
		if !ok {
			findings = append(findings, Finding{
				Path:    at,
				Message: "chat input field must be an object",
				Keyword: "type",
			})
			continue
		}

		key, _ := field["key"].(string)
		if key == "" {
			findings = append(findings, Finding{
				Path:       at + ".key",
				Message:    "chat input field requires a key",
				Keyword:    "required",
				Suggestion: `add "key": "topic"`,
			})
		} else if first, dup := seen[key]; dup {
			findings = append(findings, Finding{
				Path:    at + ".key",
				Message: fmt.Sprintf("duplicate chat input key %q (first used at trigger.config.fields[%d])", key, first),
				Keyword: "key",
			})
		} else {
			seen[key] = i
		}

		fieldType, _ := field["type"].(string)
		if !slices.Contains(chatFieldTypes, fieldType) {
			findings = append(findings, Finding{
				Path:       at + ".type",
				Message:    fmt.Sprintf("unsupported chat input type %q", fieldType),
				Keyword:    "enum",
				Suggestion: "use one of " + strings.Join(chatFieldTypes, ", "),
			})
		}
		if fieldType == "select" {
			if options, _ := field["options"].([]any); len(options) == 0 {
				findings = append(findings, Finding{
					Path:       at + ".options",
					Message:    fmt.Sprintf("select field %q requires at least one option", key),
					Keyword:    "required",
					Suggestion: `add "options": ["first", "second"]`,
				})
			}
		}
		if rawRequired, present := field["required"]; present {
			if _, ok := rawRequired.(bool); !ok {
				findings = append(findings, Finding{
					Path:    at + ".required",
					Message: "chat input required flag must be a boolean",
					Keyword: "type",
				})
			}
		}
	}
	return findings
}

// stepSite pairs a step with its dotted location for findings.
type stepSite struct {
	step *Step
	path string
}

// stepSites flattens the step tree in document order.
func stepSites(steps []Step) []stepSite {
	var sites []stepSite
	var walk func(steps []Step, base string)
	walk = func(steps []Step, base string) {
		for i := range steps {
			step := &steps[i]
			path := fmt.Sprintf("%s[%d]", base, i)
			sites = append(sites, stepSite{step: step, path: path})
			walk(step.Then, path+".then")
			walk(step.Else, path+".else")
			walk(step.Body, path+".body")
		}
	}
	walk(steps, "config.steps")
	return sites
}

// checkStepIDs enforces id uniqueness across the whole tree. Missing ids are
// the schema's problem; this only reports collisions.
func checkStepIDs(steps []Step) []Finding {
	seen := make(map[string]string)
	var findings []Finding
	for _, site := range stepSites(steps) {
		id := site.step.ID
		if id == "" {
			continue
		}
		if first, ok := seen[id]; ok {
			findings = append(findings, Finding{
				Path:    site.path + ".id",
				Message: fmt.Sprintf("duplicate step id %q (first used at %s)", id, first),
				Keyword: "id",
			})
			continue
		}
		seen[id] = site.path
	}
	return findings
}

// checkModulePaths verifies every action step's module path against the
// registry. The suggestion narrows progressively: an unknown category lists
// the categories, an unknown module lists the category's modules, an unknown
// function lists the module's functions.
func (v *Validator) checkModulePaths(steps []Step) []Finding {
	var findings []Finding
	for _, site := range stepSites(steps) {
		if site.step.Type != StepTypeAction {
			continue
		}
		modulePath := site.step.ModulePath
		if v.registry.Has(modulePath) {
			continue
		}
		findings = append(findings, v.modulePathFinding(site.path+".modulePath", modulePath))
	}
	return findings
}

func (v *Validator) modulePathFinding(at, modulePath string) Finding {
	parts := strings.Split(modulePath, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Finding{
			Path:    at,
			Message: fmt.Sprintf("module path %q must have the form category.module.function", modulePath),
			Keyword: "module",
		}
	}
	category, module, function := parts[0], parts[1], parts[2]

	categories := v.registry.Categories()
	if !slices.Contains(categories, category) {
		return Finding{
			Path:       at,
			Message:    fmt.Sprintf("unknown capability category %q", category),
			Keyword:    "module",
			Suggestion: "valid categories: " + strings.Join(categories, ", "),
		}
	}

	modules := v.registry.Modules(category)
	if !slices.Contains(modules, module) {
		return Finding{
			Path:       at,
			Message:    fmt.Sprintf("unknown module %q in category %q", module, category),
			Keyword:    "module",
			Suggestion: fmt.Sprintf("valid modules in %s: %s", category, strings.Join(modules, ", ")),
		}
	}

	functions := v.registry.Functions(category, module)
	return Finding{
		Path:       at,
		Message:    fmt.Sprintf("unknown function %q on module %s.%s", function, category, module),
		Keyword:    "module",
		Suggestion: fmt.Sprintf("valid functions on %s.%s: %s", category, module, strings.Join(functions, ", ")),
	}
}

// checkDeclarations walks steps in document order maintaining the set of
// declared names, seeded with the builtins. A reference whose root is not
// yet declared is a finding. Single pass, no forward declarations: an
// outputAs further down cannot satisfy an earlier reference. Loop aliases
// count as declared from the loop step onward; since aliases persist after
// the loop at run time, they stay declared for later siblings too.
func checkDeclarations(steps []Step) []Finding {
	declared := make(map[string]bool)
	for _, name := range BuiltinNames() {
		declared[name] = true
	}

	var findings []Finding
	check := func(at string, refs []string) {
		reported := make(map[string]bool)
		for _, ref := range refs {
			root := rootName(ref)
			if root == "" || declared[root] || reported[root] {
				continue
			}
			reported[root] = true
			findings = append(findings, Finding{
				Path:       at,
				Message:    fmt.Sprintf("reference to undeclared variable %q", root),
				Keyword:    "variable",
				Suggestion: fmt.Sprintf("declare %q with outputAs on an earlier step", root),
			})
		}
	}

	var walk func(steps []Step, base string)
	walk = func(steps []Step, base string) {
		for i := range steps {
			step := &steps[i]
			path := fmt.Sprintf("%s[%d]", base, i)
			switch step.Type {
			case StepTypeAction:
				check(path+".inputs", collectRefs(step.Inputs, nil))
				if step.OutputAs != "" {
					declared[step.OutputAs] = true
				}
			case StepTypeCondition:
				check(path+".condition", findRefs(step.Condition))
				walk(step.Then, path+".then")
				walk(step.Else, path+".else")
			case StepTypeForEach:
				check(path+".arrayRef", findRefs(step.ArrayRef))
				if step.ItemAlias != "" {
					declared[step.ItemAlias] = true
				}
				if step.IndexAlias != "" {
					declared[step.IndexAlias] = true
				}
				walk(step.Body, path+".body")
			case StepTypeWhile:
				check(path+".condition", findRefs(step.Condition))
				walk(step.Body, path+".body")
			}
		}
	}
	walk(steps, "config.steps")
	return findings
}

const storageModulePrefix = "storage."

// checkFamilyRules applies capability-family required-field checks to
// action steps: the ai family needs an options wrapper with model and
// credential plus a prompt or messages; the storage family needs a workflow
// scope and a table name.
func checkFamilyRules(steps []Step) []Finding {
	var findings []Finding
	for _, site := range stepSites(steps) {
		if site.step.Type != StepTypeAction {
			continue
		}
		switch {
		case strings.HasPrefix(site.step.ModulePath, aiModulePrefix):
			findings = append(findings, checkAIInputs(site)...)
		case strings.HasPrefix(site.step.ModulePath, storageModulePrefix):
			findings = append(findings, checkStorageInputs(site)...)
		}
	}
	return findings
}

func checkAIInputs(site stepSite) []Finding {
	var findings []Finding
	inputs := site.step.Inputs
	at := site.path + ".inputs"

	options, ok := inputs["options"].(map[string]any)
	if !ok {
		findings = append(findings, Finding{
			Path:       at + ".options",
			Message:    fmt.Sprintf("ai step %q requires an options object", site.step.ID),
			Keyword:    "required",
			Suggestion: `add "options": {"model": "gpt-4o", "credential": "{{credential.openai}}"}`,
		})
	} else {
		if !hasStringField(options, "model") {
			findings = append(findings, Finding{
				Path:       at + ".options.model",
				Message:    fmt.Sprintf("ai step %q requires a model identifier in options", site.step.ID),
				Keyword:    "required",
				Suggestion: `add "model": "gpt-4o" inside options`,
			})
		}
		if !hasStringField(options, "credential") {
			findings = append(findings, Finding{
				Path:       at + ".options.credential",
				Message:    fmt.Sprintf("ai step %q requires a credential reference in options", site.step.ID),
				Keyword:    "required",
				Suggestion: `add "credential": "{{credential.openai}}" inside options`,
			})
		}
	}

	_, hasPrompt := inputs["prompt"].(string)
	messages, _ := inputs["messages"].([]any)
	if !hasPrompt && len(messages) == 0 {
		findings = append(findings, Finding{
			Path:       at,
			Message:    fmt.Sprintf("ai step %q requires either a prompt or a messages list", site.step.ID),
			Keyword:    "required",
			Suggestion: `add "prompt": "Summarize {{trigger.text}}"`,
		})
	}
	return findings
}

func checkStorageInputs(site stepSite) []Finding {
	var findings []Finding
	inputs := site.step.Inputs
	at := site.path + ".inputs"

	if !hasStringField(inputs, "scope") {
		findings = append(findings, Finding{
			Path:       at + ".scope",
			Message:    fmt.Sprintf("storage step %q requires a workflow scope", site.step.ID),
			Keyword:    "required",
			Suggestion: `add "scope": "{{workflow.id}}"`,
		})
	}
	if !hasStringField(inputs, "table") {
		findings = append(findings, Finding{
			Path:       at + ".table",
			Message:    fmt.Sprintf("storage step %q requires a table name", site.step.ID),
			Keyword:    "required",
			Suggestion: `add "table": "results"`,
		})
	}
	return findings
}

func hasStringField(m map[string]any, key string) bool {
	s, ok := m[key].(string)
	return ok && s != ""
}

// scalarModules are capability functions known to produce a single scalar
// value. A table renderer over one of these has nothing to iterate.
var scalarModules = map[string]bool{
	"util.math.sum":     true,
	"util.math.average": true,
	"util.math.count":   true,
	"util.text.hash":    true,
	"util.id.uuid":      true,
	"util.time.now":     true,
}

// checkOutputDisplay enforces table renderer consistency: columns must be
// non-empty, and a scalar-producing final step earns a warning.
func checkOutputDisplay(doc *Document) []Finding {
	display := doc.Config.OutputDisplay
	if display == nil || display.Type != DisplayTable {
		return nil
	}

	var findings []Finding
	if len(display.Columns) == 0 {
		findings = append(findings, Finding{
			Path:       "config.outputDisplay.columns",
			Message:    "table output display requires at least one column",
			Keyword:    "display",
			Suggestion: `add "columns": ["name", "value"]`,
		})
	}

	steps := doc.Config.Steps
	if len(steps) == 0 {
		return findings
	}
	last := steps[len(steps)-1]
	if last.Type == StepTypeAction && scalarModules[last.ModulePath] {
		findings = append(findings, Finding{
			Path:       "config.outputDisplay.type",
			Message:    fmt.Sprintf("last step's module %s produces a single scalar; a table display is a likely mismatch", last.ModulePath),
			Keyword:    WarningKeywordPrefix + "display",
			Suggestion: `use "type": "text", or end the workflow with a step that produces an array`,
		})
	}
	return findings
}
