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

// Package util provides the util.* capability family: id generation,
// timestamps, text hashing, and scalar math over arrays.
package util

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/stepflow/internal/registry"
)

// Register wires the util family into reg.
func Register(reg *registry.Registry) error {
	entries := []struct {
		path        string
		description string
		fn          registry.Func
	}{
		{"util.id.uuid", "Generate a random UUID v4 string", idUUID},
		{"util.time.now", "Current timestamp; optional format (unix, unix_ms, rfc3339) and timezone", timeNow},
		{"util.text.hash", "SHA-256 hex digest of a text value", textHash},
		{"util.math.sum", "Sum of a numeric array", mathSum},
		{"util.math.average", "Arithmetic mean of a numeric array", mathAverage},
		{"util.math.count", "Element count of an array", mathCount},
	}
	for _, e := range entries {
		if err := reg.Register(e.path, e.description, e.fn); err != nil {
			return err
		}
	}
	return nil
}

func idUUID(ctx context.Context, inputs map[string]any) (any, error) {
	return uuid.NewString(), nil
}

func timeNow(ctx context.Context, inputs map[string]any) (any, error) {
	loc := time.UTC
	if tz, ok := inputs["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = parsed
	}

	now := time.Now().In(loc)
	format, _ := inputs["format"].(string)
	switch format {
	case "", "rfc3339":
		return now.Format(time.RFC3339), nil
	case "unix":
		return float64(now.Unix()), nil
	case "unix_ms":
		return float64(now.UnixMilli()), nil
	default:
		return now.Format(format), nil
	}
}

func textHash(ctx context.Context, inputs map[string]any) (any, error) {
	value, ok := inputs["value"].(string)
	if !ok {
		return nil, fmt.Errorf("value must be a string, got %T", inputs["value"])
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:]), nil
}

func mathSum(ctx context.Context, inputs map[string]any) (any, error) {
	values, err := numberArray(inputs, "values")
	if err != nil {
		return nil, err
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total, nil
}

func mathAverage(ctx context.Context, inputs map[string]any) (any, error) {
	values, err := numberArray(inputs, "values")
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("values must not be empty")
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values)), nil
}

func mathCount(ctx context.Context, inputs map[string]any) (any, error) {
	arr, ok := inputs["values"].([]any)
	if !ok {
		return nil, fmt.Errorf("values must be an array, got %T", inputs["values"])
	}
	return float64(len(arr)), nil
}

func numberArray(inputs map[string]any, key string) ([]float64, error) {
	raw, ok := inputs[key]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: %s", key)
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array, got %T", key, raw)
	}

	out := make([]float64, len(arr))
	for i, item := range arr {
		switch n := item.(type) {
		case float64:
			out[i] = n
		case int:
			out[i] = float64(n)
		case int64:
			out[i] = float64(n)
		default:
			return nil, fmt.Errorf("%s[%d] must be a number, got %T", key, i, item)
		}
	}
	return out, nil
}
