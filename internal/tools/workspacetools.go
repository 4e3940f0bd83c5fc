package tools

import (
	"context"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/registry"
)

func workspaceDescriptors(deps Deps) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			Category:       "workspace",
			Name:           "info",
			Description:    "Report the workspace root and disk usage",
			InputSchema:    registry.Schema{Type: "object"},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				info, err := deps.Workspace.GetInfo()
				if err != nil {
					return nil, errs.Wrap(errs.KindInternal, err)
				}
				return info, nil
			},
		},
		{
			Category:    "workspace",
			Name:        "resolve",
			Description: "Validate a path against the workspace root and return its real form",
			InputSchema: registry.Schema{
				Type:       "object",
				Properties: map[string]registry.Schema{"path": {Type: "string"}},
				Required:   []string{"path"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				p, err := strParam(params, "path")
				if err != nil {
					return nil, err
				}
				real, err := deps.Workspace.Resolve(p)
				if err != nil {
					return nil, err
				}
				return map[string]any{"path": p, "resolved": real}, nil
			},
		},
	}
}
