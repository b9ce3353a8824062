// Package expression resolves `${path}` references against a run's state and
// turns them into condition gates, step inputs and interpolated prompts.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	referencePattern = regexp.MustCompile(`^\$\{(.+)\}$`)
	embeddedPattern  = regexp.MustCompile(`\$\{([^{}]*)\}`)
)

// IsReference reports whether expr is a whole-string `${path}` reference.
func IsReference(expr string) bool {
	return referencePattern.MatchString(expr)
}

// Resolve evaluates expr against scope. A string that is not a `${path}`
// reference is returned verbatim. A missing key anywhere along the path
// yields nil.
func Resolve(expr string, scope map[string]any) any {
	m := referencePattern.FindStringSubmatch(expr)
	if m == nil {
		return expr
	}
	return navigatePath(scope, m[1])
}

// ResolveStrict is Resolve with syntax checking. It rejects strings that
// contain a reference marker but are not a well formed reference, and paths
// with empty segments. Missing keys are still not an error.
func ResolveStrict(expr string, scope map[string]any) (any, error) {
	trimmed := strings.TrimSpace(expr)
	m := referencePattern.FindStringSubmatch(trimmed)
	if m == nil {
		if strings.Contains(trimmed, "${") {
			return nil, fmt.Errorf("malformed expression %q", expr)
		}
		return expr, nil
	}
	path := m[1]
	if strings.ContainsAny(path, "{}$ ") {
		return nil, fmt.Errorf("malformed path %q in expression", path)
	}
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty path segment in %q", expr)
		}
	}
	return navigatePath(scope, path), nil
}

// navigatePath navigates a dot-separated path through nested maps.
// Arrays are not indexable.
func navigatePath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// MapInputs builds a step context by resolving every source expression of
// mapping against scope.
func MapInputs(mapping map[string]string, scope map[string]any) map[string]any {
	out := make(map[string]any, len(mapping))
	for target, source := range mapping {
		out[target] = Resolve(source, scope)
	}
	return out
}

// Interpolate replaces every embedded `${path}` in template with the
// resolved value. References that resolve to nil become empty strings.
func Interpolate(template string, scope map[string]any) string {
	return embeddedPattern.ReplaceAllStringFunc(template, func(ref string) string {
		val := Resolve(ref, scope)
		if val == nil {
			return ""
		}
		return stringify(val)
	})
}

// MissingReferences lists the embedded references in template that resolve
// to nil.
func MissingReferences(template string, scope map[string]any) []string {
	var missing []string
	for _, ref := range embeddedPattern.FindAllString(template, -1) {
		if Resolve(ref, scope) == nil {
			missing = append(missing, ref)
		}
	}
	return missing
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any, []map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
