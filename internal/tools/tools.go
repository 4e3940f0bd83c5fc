// Package tools holds the concrete handler bodies behind the Tool
// Registry: filesystem, shell, git, docker, HTTP egress, workspace,
// memory graph, and plan executor categories. Handlers receive params
// the dispatch pipeline has already template-expanded and
// schema-validated; they re-check only invariants the schema cannot
// express (paths, globs, URL shapes).
package tools

import (
	"log/slog"

	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/github"
	"github.com/hostbridge/hostbridge/internal/memory"
	"github.com/hostbridge/hostbridge/internal/plan"
	"github.com/hostbridge/hostbridge/internal/registry"
	"github.com/hostbridge/hostbridge/internal/workspace"
)

// Deps carries everything the handler bodies close over. Nil fields are
// allowed when a category is not wired (its handlers then fail with
// internal_error if ever invoked), which also lets doc generation build
// the catalog without a live workspace or database.
type Deps struct {
	Workspace *workspace.Resolver
	Memory    *memory.Graph
	Plans     *plan.Executor
	Git       *github.Client // optional; enables authenticated GitHub remotes
	Shell     ShellConfig
	Docker    DockerConfig
	HTTP      config.HTTPEgress
	Logger    *slog.Logger
}

// RegisterAll registers every tool category's descriptors. The tool set
// is fixed at process start; Register fails on a duplicate coordinate,
// which would be a programming error here.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	groups := [][]*registry.Descriptor{
		fsDescriptors(deps),
		shellDescriptors(deps),
		dockerDescriptors(deps),
		gitDescriptors(deps),
		httpDescriptors(deps),
		workspaceDescriptors(deps),
		memoryDescriptors(deps),
		planDescriptors(deps),
	}
	for _, group := range groups {
		for _, d := range group {
			if err := reg.Register(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// strParam reads a required string param. The schema has already
// enforced type and presence for declared fields; this guards optional
// fields and handler-internal invariants.
func strParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", errs.Newf(errs.KindInvalidParam, "missing required param %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", errs.Newf(errs.KindInvalidParam, "param %q must be a string", key)
	}
	return s, nil
}

func optStrParam(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func optBoolParam(params map[string]any, key string, fallback bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return fallback
}

// optIntParam tolerates both float64 (JSON numbers) and int (values
// built in-process, e.g. by plan template substitution).
func optIntParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func optFloatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func optStrSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func optMapParam(params map[string]any, key string) map[string]any {
	if m, ok := params[key].(map[string]any); ok {
		return m
	}
	return nil
}
