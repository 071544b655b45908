// Package schemas provides access to embedded JSON schemas.
package schemas

import (
	_ "embed"
)

// Embed the workflow JSON Schema into the binary so validation and tooling
// never depend on files shipped next to the executable. The schema defines
// the structure of workflow documents and doubles as the contract for IDE
// autocompletion and schema export.
//
//go:embed workflow.schema.json
var workflowSchema []byte

// GetWorkflowSchema returns the embedded workflow JSON Schema as raw bytes.
func GetWorkflowSchema() []byte {
	return workflowSchema
}

// GetWorkflowSchemaString returns the embedded workflow JSON Schema as a
// string, for callers that export or display it.
func GetWorkflowSchemaString() string {
	return string(workflowSchema)
}
