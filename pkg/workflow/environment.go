package workflow

import (
	"sort"
	"strconv"
)

// Built-in environment names seeded before execution starts. Workflow
// authors may reference these without declaring them.
const (
	BuiltinUser       = "user"
	BuiltinTrigger    = "trigger"
	BuiltinCredential = "credential"
	BuiltinWorkflow   = "workflow"
)

// BuiltinNames lists every name the environment is seeded with.
func BuiltinNames() []string {
	return []string{BuiltinUser, BuiltinTrigger, BuiltinCredential, BuiltinWorkflow}
}

// Environment is the single mutable name→value mapping threaded through one
// run's interpretation. It is exclusively owned by one execution of one run
// and never shared across concurrent runs, so it needs no locking.
//
// It is mutated only by outputAs bindings after successful action steps and
// by loop-alias bindings set before each iteration. Loop aliases are left in
// place after a loop exits, holding their last-iteration value.
type Environment struct {
	vars map[string]any
}

// NewEnvironment creates an environment seeded with the given initial
// variables. The seed map is copied; callers keep ownership of theirs.
func NewEnvironment(seed map[string]any) *Environment {
	vars := make(map[string]any, len(seed)+4)
	for k, v := range seed {
		vars[k] = v
	}
	for _, name := range BuiltinNames() {
		if _, ok := vars[name]; !ok {
			vars[name] = nil
		}
	}
	return &Environment{vars: vars}
}

// Set binds a value under the given name, replacing any previous binding.
func (e *Environment) Set(name string, value any) {
	e.vars[name] = value
}

// Get returns the value bound directly under name.
func (e *Environment) Get(name string) (any, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Has reports whether name is bound.
func (e *Environment) Has(name string) bool {
	_, ok := e.vars[name]
	return ok
}

// Names returns all bound names in sorted order.
func (e *Environment) Names() []string {
	names := make([]string, 0, len(e.vars))
	for name := range e.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a dot/bracket navigation path such as "a.b[0].c" against
// the environment. The second return is false when any segment is missing or
// the value shape does not support the navigation (e.g. indexing a string).
func (e *Environment) Lookup(path string) (any, bool) {
	segs, ok := parsePath(path)
	if !ok || len(segs) == 0 {
		return nil, false
	}

	current, found := e.vars[segs[0].key]
	if !found {
		return nil, false
	}

	for _, seg := range segs[1:] {
		if seg.index >= 0 {
			arr, ok := current.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// pathSegment is one hop of a navigation path: either a map key or, when
// index is non-negative, an array index.
type pathSegment struct {
	key   string
	index int
}

// parsePath splits "a.b[0].c" into segments. The first segment is always a
// key. Returns false for malformed paths (empty segments, unclosed or
// non-numeric brackets).
func parsePath(path string) ([]pathSegment, bool) {
	if path == "" {
		return nil, false
	}

	var segs []pathSegment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			// A dot must be followed by a key; consecutive dots are malformed.
			i++
			start := i
			for i < len(path) && path[i] != '.' && path[i] != '[' {
				i++
			}
			if start == i {
				return nil, false
			}
			segs = append(segs, pathSegment{key: path[start:i], index: -1})
		case '[':
			i++
			start := i
			for i < len(path) && path[i] != ']' {
				i++
			}
			if i >= len(path) || start == i {
				return nil, false
			}
			idx, err := strconv.Atoi(path[start:i])
			if err != nil || idx < 0 {
				return nil, false
			}
			segs = append(segs, pathSegment{key: "", index: idx})
			i++ // consume ']'
		default:
			start := i
			for i < len(path) && path[i] != '.' && path[i] != '[' {
				i++
			}
			segs = append(segs, pathSegment{key: path[start:i], index: -1})
		}
	}

	if len(segs) == 0 || segs[0].index >= 0 {
		return nil, false
	}
	return segs, true
}

// rootName returns the leading variable name of a navigation path:
// "items[0].id" yields "items". Returns "" for malformed paths.
func rootName(path string) string {
	segs, ok := parsePath(path)
	if !ok {
		return ""
	}
	return segs[0].key
}
