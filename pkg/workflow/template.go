package workflow

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// refPattern matches one {{path}} reference. Paths use dot/bracket
// navigation; braces cannot nest.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveInputs resolves every {{path}} reference in an action step's inputs
// against the environment, returning a new map. The original inputs are
// never mutated.
func ResolveInputs(inputs map[string]any, env *Environment) map[string]any {
	resolved := make(map[string]any, len(inputs))
	for key, value := range inputs {
		resolved[key] = ResolveValue(value, env)
	}
	return resolved
}

// ResolveValue recursively substitutes {{path}} references in a JSON-shaped
// value. Map keys are not templated.
//
// A string that is exactly one reference resolves to the referenced value
// with its original type preserved; a missing path yields nil (removal of
// value, not an error). A reference embedded in a larger string is coerced
// to its string representation; missing embedded paths become the empty
// string. Errors surface later only if a downstream operation requires the
// value, such as forEach array resolution.
func ResolveValue(value any, env *Environment) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, env)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for k, val := range v {
			resolved[k] = ResolveValue(val, env)
		}
		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, val := range v {
			resolved[i] = ResolveValue(val, env)
		}
		return resolved
	default:
		return value
	}
}

// resolveString substitutes references in a single string, applying the
// whole-string type preservation rule.
func resolveString(s string, env *Environment) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	if path, ok := pureRefPath(s); ok {
		value, found := env.Lookup(path)
		if !found {
			return nil
		}
		return value
	}

	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, found := env.Lookup(path)
		if !found {
			return ""
		}
		return stringifyValue(value)
	})
}

// pureRefPath reports whether s is exactly one {{path}} reference (modulo
// surrounding whitespace) and returns the inner path.
func pureRefPath(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 4 || !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", false
	}
	return inner, true
}

// stringifyValue coerces a resolved value for embedding inside a larger
// string. Strings embed as-is; nil embeds as the empty string, matching the
// removal semantics for missing values; everything else embeds as compact
// JSON.
func stringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// collectRefs appends every {{path}} reference found in a JSON-shaped value,
// in document order. Used by the validation engine's declaration check.
func collectRefs(value any, refs []string) []string {
	switch v := value.(type) {
	case string:
		return append(refs, findRefs(v)...)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = collectRefs(v[k], refs)
		}
		return refs
	case []any:
		for _, val := range v {
			refs = collectRefs(val, refs)
		}
		return refs
	default:
		return refs
	}
}

// findRefs returns the paths of all {{path}} references in a string.
func findRefs(s string) []string {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, strings.TrimSpace(m[1]))
	}
	return paths
}

// CredentialNames returns the sorted distinct credential names referenced
// anywhere in steps. {{credential.openai-key}} yields "openai-key". Hosts
// use this to resolve exactly the secrets a run needs before it starts.
func CredentialNames(steps []Step) []string {
	seen := map[string]bool{}
	WalkSteps(steps, func(step *Step) bool {
		var refs []string
		refs = collectRefs(step.Inputs, refs)
		refs = append(refs, findRefs(step.Condition)...)
		refs = append(refs, findRefs(step.ArrayRef)...)
		for _, ref := range refs {
			segs, ok := parsePath(ref)
			if !ok || len(segs) < 2 {
				continue
			}
			if segs[0].key == "credential" && segs[1].key != "" {
				seen[segs[1].key] = true
			}
		}
		return true
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
