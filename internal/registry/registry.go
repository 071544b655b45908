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

// Package registry maps dotted capability paths (category.module.function)
// to invocable capabilities. The registry is populated at startup and shared
// read-only across runs; it backs both step dispatch and the progressive
// suggestions the validation engine produces for unknown paths.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// Capability is one invocable function behind a dotted module path. Inputs
// arrive fully resolved (no template markers); whatever Invoke returns is
// the step's output value and must be JSON-shaped.
type Capability interface {
	Invoke(ctx context.Context, inputs map[string]any) (any, error)
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, inputs map[string]any) (any, error)

// Invoke implements Capability.
func (f Func) Invoke(ctx context.Context, inputs map[string]any) (any, error) {
	return f(ctx, inputs)
}

// Entry describes one registered capability for catalog listings.
type Entry struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

type registration struct {
	capability  Capability
	description string
}

// Registry holds the capability table. Register during startup, then treat
// as read-only; Lookup and Invoke take the read lock only so concurrent runs
// never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a capability under path. The path must have exactly three
// non-empty dot-separated segments and must not already be registered.
func (r *Registry) Register(path, description string, capability Capability) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if capability == nil {
		return fmt.Errorf("registering %q: capability is nil", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[path]; exists {
		return fmt.Errorf("registering %q: path already registered", path)
	}
	r.entries[path] = registration{capability: capability, description: description}
	return nil
}

// MustRegister is Register for startup wiring where a failure is a bug.
func (r *Registry) MustRegister(path, description string, capability Capability) {
	if err := r.Register(path, description, capability); err != nil {
		panic(err)
	}
}

func validatePath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return fmt.Errorf("capability path %q must have the form category.module.function", path)
	}
	return nil
}

// Lookup returns the capability registered under path.
func (r *Registry) Lookup(path string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[path]
	return reg.capability, ok
}

// Has reports whether path is registered.
func (r *Registry) Has(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[path]
	return ok
}

// Invoke dispatches to the capability registered under modulePath. A missing
// path is a NotFoundError so callers can distinguish "no such module" from a
// module's own failure.
func (r *Registry) Invoke(ctx context.Context, modulePath string, inputs map[string]any) (any, error) {
	capability, ok := r.Lookup(modulePath)
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "capability", ID: modulePath}
	}
	return capability.Invoke(ctx, inputs)
}

// Categories returns the sorted set of registered category names.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for path := range r.entries {
		cat := strings.SplitN(path, ".", 2)[0]
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	sort.Strings(out)
	return out
}

// Modules returns the sorted module names within a category.
func (r *Registry) Modules(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for path := range r.entries {
		parts := strings.SplitN(path, ".", 3)
		if parts[0] != category || seen[parts[1]] {
			continue
		}
		seen[parts[1]] = true
		out = append(out, parts[1])
	}
	sort.Strings(out)
	return out
}

// Functions returns the sorted function names on category.module.
func (r *Registry) Functions(category, module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for path := range r.entries {
		parts := strings.SplitN(path, ".", 3)
		if parts[0] == category && parts[1] == module {
			out = append(out, parts[2])
		}
	}
	sort.Strings(out)
	return out
}

// Catalog returns every registered capability sorted by path.
func (r *Registry) Catalog() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for path, reg := range r.entries {
		out = append(out, Entry{Path: path, Description: reg.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// The registry is both the interpreter's dispatch table and the validator's
// suggestion source.
var (
	_ workflow.Invoker      = (*Registry)(nil)
	_ workflow.RegistryView = (*Registry)(nil)
)
