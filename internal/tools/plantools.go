package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/plan"
	"github.com/hostbridge/hostbridge/internal/registry"
	"github.com/hostbridge/hostbridge/internal/telemetry"
)

func planDescriptors(deps Deps) []*registry.Descriptor {
	planRefSchema := registry.Schema{
		Type:       "object",
		Properties: map[string]registry.Schema{"plan": {Type: "string"}},
		Required:   []string{"plan"},
	}

	return []*registry.Descriptor{
		{
			Category:    "plan",
			Name:        "create",
			Description: "Validate and register a task DAG",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"name":       {Type: "string"},
					"on_failure": {Type: "string"},
					"tasks": {Type: "array", Items: &registry.Schema{
						Type: "object",
						Properties: map[string]registry.Schema{
							"id":           {Type: "string"},
							"name":         {Type: "string"},
							"tool":         {Type: "string"},
							"params":       {Type: "object"},
							"depends_on":   {Type: "array", Items: &registry.Schema{Type: "string"}},
							"require_hitl": {Type: "boolean"},
							"on_failure":   {Type: "string"},
						},
						Required: []string{"id", "tool"},
					}},
				},
				Required: []string{"name", "tasks"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return planCreate(deps, params)
			},
		},
		{
			Category:       "plan",
			Name:           "execute",
			Description:    "Execute a pending plan by id or unique name",
			InputSchema:    planRefSchema,
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return planExecute(ctx, deps, params)
			},
		},
		{
			Category:       "plan",
			Name:           "status",
			Description:    "Report a plan's task statuses and counts",
			InputSchema:    planRefSchema,
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				ref, err := strParam(params, "plan")
				if err != nil {
					return nil, err
				}
				p, err := deps.Plans.Resolve(ref)
				if err != nil {
					return nil, err
				}
				return planView(p), nil
			},
		},
		{
			Category:       "plan",
			Name:           "list",
			Description:    "List every plan held by the executor",
			InputSchema:    registry.Schema{Type: "object"},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				plans := deps.Plans.List()
				out := make([]map[string]any, 0, len(plans))
				for _, p := range plans {
					out = append(out, map[string]any{
						"id":     p.ID,
						"name":   p.Name,
						"status": p.Status,
						"counts": p.Counts(),
					})
				}
				return map[string]any{"plans": out, "count": len(out)}, nil
			},
		},
		{
			Category:       "plan",
			Name:           "cancel",
			Description:    "Cancel a pending or running plan",
			InputSchema:    planRefSchema,
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				ref, err := strParam(params, "plan")
				if err != nil {
					return nil, err
				}
				if err := deps.Plans.Cancel(ref); err != nil {
					return nil, err
				}
				p, err := deps.Plans.Resolve(ref)
				if err != nil {
					return nil, err
				}
				return planView(p), nil
			},
		},
	}
}

func planCreate(deps Deps, params map[string]any) (any, error) {
	name, err := strParam(params, "name")
	if err != nil {
		return nil, err
	}
	onFailure, err := parseFailurePolicy(optStrParam(params, "on_failure", string(plan.Stop)))
	if err != nil {
		return nil, err
	}

	rawTasks, _ := params["tasks"].([]any)
	if len(rawTasks) == 0 {
		return nil, errs.New(errs.KindInvalidParam, "tasks must be a non-empty array")
	}

	inputs := make([]plan.TaskInput, 0, len(rawTasks))
	for _, raw := range rawTasks {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errs.New(errs.KindInvalidParam, "each task must be an object")
		}
		id, err := strParam(m, "id")
		if err != nil {
			return nil, err
		}
		tool, err := strParam(m, "tool")
		if err != nil {
			return nil, err
		}
		category, toolName, ok := strings.Cut(tool, ".")
		if !ok || category == "" || toolName == "" {
			return nil, errs.Newf(errs.KindInvalidParam, "task %q tool must be \"category.name\", got %q", id, tool)
		}

		input := plan.TaskInput{
			ID:           id,
			Name:         optStrParam(m, "name", id),
			ToolCategory: category,
			ToolName:     toolName,
			Params:       optMapParam(m, "params"),
			DependsOn:    optStrSliceParam(m, "depends_on"),
		}
		if v, ok := m["require_hitl"].(bool); ok {
			input.RequireHITL = &v
		}
		if raw := optStrParam(m, "on_failure", ""); raw != "" {
			policy, err := parseFailurePolicy(raw)
			if err != nil {
				return nil, err
			}
			input.OnFailure = &policy
		}
		inputs = append(inputs, input)
	}

	p, err := deps.Plans.Create(name, onFailure, inputs)
	if err != nil {
		return nil, err
	}

	view := planView(p)
	view["execution_order"] = p.Levels()
	return view, nil
}

func planExecute(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	ref, err := strParam(params, "plan")
	if err != nil {
		return nil, err
	}
	if err := deps.Plans.Execute(ctx, ref); err != nil {
		return nil, err
	}
	p, err := deps.Plans.Resolve(ref)
	if err != nil {
		return nil, err
	}
	telemetry.IncPlanExecution(string(p.Status))
	return planView(p), nil
}

func parseFailurePolicy(raw string) (plan.FailurePolicy, error) {
	switch plan.FailurePolicy(raw) {
	case plan.Stop, plan.SkipDependents, plan.Continue:
		return plan.FailurePolicy(raw), nil
	default:
		return "", errs.Newf(errs.KindInvalidParam, "unknown failure policy %q (valid: stop, skip_dependents, continue)", raw)
	}
}

type taskView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Tool      string          `json:"tool"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Status    plan.TaskStatus `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

func planView(p *plan.Plan) map[string]any {
	tasks := p.Tasks()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			ID:        t.ID,
			Name:      t.Name,
			Tool:      t.ToolCategory + "." + t.ToolName,
			DependsOn: t.DependsOn,
			Status:    t.Status,
			Output:    t.Output,
			Error:     t.Error,
			StartedAt: t.StartedAt,
			EndedAt:   t.EndedAt,
		})
	}
	return map[string]any{
		"plan_id": p.ID,
		"name":    p.Name,
		"status":  p.Status,
		"counts":  p.Counts(),
		"tasks":   views,
	}
}
