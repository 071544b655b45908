package schemas

import (
	"encoding/json"
	"testing"
)

func TestGetWorkflowSchema(t *testing.T) {
	schema := GetWorkflowSchema()

	if len(schema) == 0 {
		t.Fatal("embedded schema is empty")
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		t.Fatalf("embedded schema is not valid JSON: %v", err)
	}

	if _, ok := schemaMap["$schema"]; !ok {
		t.Error("schema missing $schema field")
	}

	if _, ok := schemaMap["$id"]; !ok {
		t.Error("schema missing $id field")
	}

	if title, ok := schemaMap["title"].(string); !ok || title == "" {
		t.Error("schema missing or empty title field")
	}

	defs, ok := schemaMap["$defs"].(map[string]interface{})
	if !ok {
		t.Fatal("schema missing $defs")
	}
	if _, ok := defs["step"]; !ok {
		t.Error("schema missing step definition")
	}
}

func TestGetWorkflowSchemaString(t *testing.T) {
	schemaStr := GetWorkflowSchemaString()

	if schemaStr == "" {
		t.Fatal("embedded schema string is empty")
	}

	if schemaStr != string(GetWorkflowSchema()) {
		t.Error("string and bytes versions of schema do not match")
	}
}
