// Package template expands the two placeholder forms recognized inside a
// params tree: {{secret:KEY}} and {{task:ID.FIELD}}. Both are resolved
// by walking every string leaf of the tree; non-string values pass
// through untouched.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/hostbridge/hostbridge/internal/errs"
)

var (
	secretPattern = regexp.MustCompile(`\{\{secret:([A-Za-z0-9_\-]+)\}\}`)
	taskPattern   = regexp.MustCompile(`^\{\{task:([A-Za-z0-9_\-]+)(?:\.([A-Za-z0-9_.\[\]]+))?\}\}$`)
)

// SecretLookup is the minimal interface the secrets Store satisfies.
type SecretLookup interface {
	Get(key string) (string, bool)
}

// TaskLookup resolves a completed plan task's raw JSON output by id.
type TaskLookup interface {
	TaskOutput(taskID string) (json.RawMessage, bool)
}

// ResolveSecrets expands every {{secret:KEY}} occurrence in params. It is
// called after policy evaluation, so the pre-resolution form is what the
// audit log and any HITL approval prompt display.
func ResolveSecrets(params map[string]any, secrets SecretLookup) (map[string]any, error) {
	out, err := walk(params, func(s string) (any, error) {
		var firstErr error
		replaced := secretPattern.ReplaceAllStringFunc(s, func(match string) string {
			if firstErr != nil {
				return match
			}
			sub := secretPattern.FindStringSubmatch(match)
			key := sub[1]
			v, ok := secrets.Get(key)
			if !ok {
				firstErr = errs.Newf(errs.KindInvalidParam, "unknown secret key %q", key)
				return match
			}
			return v
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return replaced, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// ResolveTaskRefs expands every {{task:ID.FIELD}} occurrence in params
// against the Plan Executor's completed task outputs. Only used inside
// the Plan Executor, never by the REST or MCP adapters directly.
//
// When a leaf's entire string value is exactly one {{task:...}} template,
// the leaf is replaced by the referenced value preserving its native
// JSON type (so a numeric task output substitutes as a JSON number, not
// a stringified one). A template embedded in a larger string instead
// substitutes the value's string rendering.
func ResolveTaskRefs(params map[string]any, tasks TaskLookup) (map[string]any, error) {
	out, err := walk(params, func(s string) (any, error) {
		if m := taskPattern.FindStringSubmatch(s); m != nil {
			return resolveOne(m[1], m[2], tasks)
		}
		if !anyTaskRef(s) {
			return s, nil
		}
		var firstErr error
		replaced := regexp.MustCompile(`\{\{task:[A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_.\[\]]+)?\}\}`).ReplaceAllStringFunc(s, func(match string) string {
			if firstErr != nil {
				return match
			}
			sub := taskPattern.FindStringSubmatch(match)
			if sub == nil {
				return match
			}
			v, err := resolveOne(sub[1], sub[2], tasks)
			if err != nil {
				firstErr = err
				return match
			}
			return stringify(v)
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return replaced, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func anyTaskRef(s string) bool {
	return regexp.MustCompile(`\{\{task:`).MatchString(s)
}

func resolveOne(taskID, field string, tasks TaskLookup) (any, error) {
	raw, ok := tasks.TaskOutput(taskID)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidParam, "unknown or incomplete task reference %q", taskID)
	}
	if field == "" {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			// Output isn't JSON-shaped; substitute its raw bytes as a
			// string, preserving the value as-is.
			return string(raw), nil
		}
		return v, nil
	}
	result := gjson.GetBytes(raw, field)
	if !result.Exists() {
		return nil, errs.Newf(errs.KindInvalidParam, "task %q has no output field %q", taskID, field)
	}
	return result.Value(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// walk recursively applies fn to every string leaf of v, rebuilding maps
// and slices as it goes. Non-string, non-container values pass through
// unchanged.
func walk(v any, fn func(string) (any, error)) (any, error) {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := walk(val, fn)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := walk(val, fn)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}
