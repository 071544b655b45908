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

// Package data provides the data.* capability family: jq transforms and
// simple array helpers.
package data

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/forgeline/stepflow/internal/registry"
)

// DefaultQueryTimeout bounds one jq program evaluation.
const DefaultQueryTimeout = 1 * time.Second

// Register wires the data family into reg.
func Register(reg *registry.Registry) error {
	entries := []struct {
		path        string
		description string
		fn          registry.Func
	}{
		{"data.transform.query", "Run a jq program over an input value", transformQuery},
		{"data.array.first", "First element of an array", arrayFirst},
		{"data.array.last", "Last element of an array", arrayLast},
		{"data.array.flatten", "Flatten an array of arrays one level", arrayFlatten},
	}
	for _, e := range entries {
		if err := reg.Register(e.path, e.description, e.fn); err != nil {
			return err
		}
	}
	return nil
}

// transformQuery evaluates inputs["query"] (a jq program) against
// inputs["input"]. A program yielding one value returns it directly; multiple
// values come back as an array.
func transformQuery(ctx context.Context, inputs map[string]any) (any, error) {
	program, ok := inputs["query"].(string)
	if !ok || program == "" {
		return nil, fmt.Errorf("query must be a non-empty jq program")
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parsing jq program: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compiling jq program: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(ctx, inputs["input"])
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq evaluation: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func arrayFirst(ctx context.Context, inputs map[string]any) (any, error) {
	arr, err := inputArray(inputs)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, nil
	}
	return arr[0], nil
}

func arrayLast(ctx context.Context, inputs map[string]any) (any, error) {
	arr, err := inputArray(inputs)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, nil
	}
	return arr[len(arr)-1], nil
}

func arrayFlatten(ctx context.Context, inputs map[string]any) (any, error) {
	arr, err := inputArray(inputs)
	if err != nil {
		return nil, err
	}
	flat := make([]any, 0, len(arr))
	for _, item := range arr {
		if nested, ok := item.([]any); ok {
			flat = append(flat, nested...)
			continue
		}
		flat = append(flat, item)
	}
	return flat, nil
}

func inputArray(inputs map[string]any) ([]any, error) {
	raw, ok := inputs["input"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: input")
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("input must be an array, got %T", raw)
	}
	return arr, nil
}
