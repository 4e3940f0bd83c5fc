package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is a minimal JSON-Schema-shaped object description: enough to
// validate the params trees tool calls carry (type, required properties,
// nested object/array shapes) without pulling in a full JSON Schema
// implementation.
type Schema struct {
	Type       string            // "object", "string", "number", "boolean", "array", "" (any)
	Properties map[string]Schema // only meaningful when Type == "object"
	Items      *Schema           // only meaningful when Type == "array"
	Required   []string          // property names required when Type == "object"
}

// Validate checks v against the schema, returning every violation found
// (not just the first) so a caller can report a complete, actionable
// message.
func (s Schema) Validate(v any) []string {
	return s.validateAt("", v)
}

func (s Schema) validateAt(path string, v any) []string {
	if s.Type == "" {
		return nil
	}
	var problems []string
	switch s.Type {
	case "object":
		m, ok := v.(map[string]any)
		if !ok {
			return []string{fmt.Sprintf("%s: expected object", label(path))}
		}
		missing := make([]string, 0)
		for _, req := range s.Required {
			if _, ok := m[req]; !ok {
				missing = append(missing, req)
			}
		}
		sort.Strings(missing)
		for _, m := range missing {
			problems = append(problems, fmt.Sprintf("%s: missing required property %q", label(path), m))
		}
		for name, propSchema := range s.Properties {
			val, present := m[name]
			if !present {
				continue
			}
			problems = append(problems, propSchema.validateAt(joinPath(path, name), val)...)
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return []string{fmt.Sprintf("%s: expected array", label(path))}
		}
		if s.Items != nil {
			for i, item := range arr {
				problems = append(problems, s.Items.validateAt(fmt.Sprintf("%s[%d]", path, i), item)...)
			}
		}
	case "string":
		if _, ok := v.(string); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected string", label(path)))
		}
	case "number":
		switch v.(type) {
		case float64, int, int64:
		default:
			problems = append(problems, fmt.Sprintf("%s: expected number", label(path)))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected boolean", label(path)))
		}
	}
	return problems
}

func label(path string) string {
	if path == "" {
		return "params"
	}
	return path
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return strings.TrimSuffix(path, "") + "." + name
}
