package tools

import (
	"context"
	"database/sql"
	"time"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/memory"
	"github.com/hostbridge/hostbridge/internal/registry"
)

func memoryDescriptors(deps Deps) []*registry.Descriptor {
	idSchema := registry.Schema{
		Type:       "object",
		Properties: map[string]registry.Schema{"id": {Type: "string"}},
		Required:   []string{"id"},
	}

	return []*registry.Descriptor{
		{
			Category:    "memory",
			Name:        "store",
			Description: "Store a memory node, optionally with initial edges",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"content":     {Type: "string"},
					"name":        {Type: "string"},
					"entity_type": {Type: "string"},
					"tags":        {Type: "array", Items: &registry.Schema{Type: "string"}},
					"metadata":    {Type: "object"},
					"source":      {Type: "string"},
					"initial_edges": {Type: "array", Items: &registry.Schema{
						Type: "object",
						Properties: map[string]registry.Schema{
							"target_id": {Type: "string"},
							"relation":  {Type: "string"},
							"weight":    {Type: "number"},
						},
						Required: []string{"target_id", "relation"},
					}},
				},
				Required: []string{"content"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return memoryStore(ctx, deps, params)
			},
		},
		{
			Category:    "memory",
			Name:        "get",
			Description: "Fetch a memory node, optionally with its neighbors",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"id":                {Type: "string"},
					"include_relations": {Type: "boolean"},
					"depth":             {Type: "number"},
				},
				Required: []string{"id"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, err := strParam(params, "id")
				if err != nil {
					return nil, err
				}
				return deps.Memory.Get(ctx, id, optBoolParam(params, "include_relations", false), optIntParam(params, "depth", 1))
			},
		},
		{
			Category:    "memory",
			Name:        "search",
			Description: "Search memory by full text, tags, or both",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"query":          {Type: "string"},
					"mode":           {Type: "string"},
					"entity_type":    {Type: "string"},
					"tags":           {Type: "array", Items: &registry.Schema{Type: "string"}},
					"created_after":  {Type: "string"},
					"created_before": {Type: "string"},
					"max_results":    {Type: "number"},
				},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return memorySearch(ctx, deps, params)
			},
		},
		{
			Category:    "memory",
			Name:        "update",
			Description: "Patch a memory node's content, name, tags, or metadata",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"id":       {Type: "string"},
					"content":  {Type: "string"},
					"name":     {Type: "string"},
					"tags":     {Type: "array", Items: &registry.Schema{Type: "string"}},
					"metadata": {Type: "object"},
				},
				Required: []string{"id"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return memoryUpdate(ctx, deps, params)
			},
		},
		{
			Category:    "memory",
			Name:        "delete",
			Description: "Delete a memory node; refuses to orphan children unless cascade is set",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"id":      {Type: "string"},
					"cascade": {Type: "boolean"},
				},
				Required: []string{"id"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, err := strParam(params, "id")
				if err != nil {
					return nil, err
				}
				orphans, err := deps.Memory.Delete(ctx, id, optBoolParam(params, "cascade", false))
				if err != nil {
					if len(orphans) > 0 {
						return map[string]any{"deleted": false, "would_orphan": orphans}, err
					}
					return nil, err
				}
				return map[string]any{"deleted": true, "cascaded": orphans}, nil
			},
		},
		{
			Category:    "memory",
			Name:        "link",
			Description: "Create or update a typed edge between two nodes",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"source_id":     {Type: "string"},
					"target_id":     {Type: "string"},
					"relation":      {Type: "string"},
					"weight":        {Type: "number"},
					"bidirectional": {Type: "boolean"},
					"metadata":      {Type: "object"},
					"valid_from":    {Type: "string"},
					"valid_until":   {Type: "string"},
				},
				Required: []string{"source_id", "target_id", "relation"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return memoryLink(ctx, deps, params)
			},
		},
		{
			Category:       "memory",
			Name:           "children",
			Description:    "List a node's direct parent_of children",
			InputSchema:    idSchema,
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, err := strParam(params, "id")
				if err != nil {
					return nil, err
				}
				return deps.Memory.Children(ctx, id)
			},
		},
		{
			Category:    "memory",
			Name:        "ancestors",
			Description: "Walk a node's parent_of ancestors up to max_depth",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"id":        {Type: "string"},
					"max_depth": {Type: "number"},
				},
				Required: []string{"id"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, err := strParam(params, "id")
				if err != nil {
					return nil, err
				}
				return deps.Memory.Ancestors(ctx, id, optIntParam(params, "max_depth", 10))
			},
		},
		{
			Category:    "memory",
			Name:        "subtree",
			Description: "Walk a node's parent_of descendants up to max_depth (root excluded)",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"id":        {Type: "string"},
					"max_depth": {Type: "number"},
				},
				Required: []string{"id"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, err := strParam(params, "id")
				if err != nil {
					return nil, err
				}
				return deps.Memory.Subtree(ctx, id, optIntParam(params, "max_depth", 10))
			},
		},
		{
			Category:       "memory",
			Name:           "roots",
			Description:    "List nodes with no incoming parent_of edge",
			InputSchema:    registry.Schema{Type: "object"},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return deps.Memory.Roots(ctx)
			},
		},
		{
			Category:    "memory",
			Name:        "related",
			Description: "List a node's edges in both directions, optionally by relation",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"id":       {Type: "string"},
					"relation": {Type: "string"},
				},
				Required: []string{"id"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, err := strParam(params, "id")
				if err != nil {
					return nil, err
				}
				return deps.Memory.Related(ctx, id, optStrParam(params, "relation", ""))
			},
		},
		{
			Category:       "memory",
			Name:           "stats",
			Description:    "Summarize graph shape: counts by type, top tags, most connected",
			InputSchema:    registry.Schema{Type: "object"},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return deps.Memory.Stats(ctx, 10)
			},
		},
	}
}

func memoryStore(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	content, err := strParam(params, "content")
	if err != nil {
		return nil, err
	}
	entityType := memory.EntityType(optStrParam(params, "entity_type", string(memory.EntityNote)))
	switch entityType {
	case memory.EntityConcept, memory.EntityFact, memory.EntityTask, memory.EntityPerson, memory.EntityEvent, memory.EntityNote:
	default:
		return nil, errs.Newf(errs.KindInvalidParam, "unknown entity_type %q", entityType)
	}

	node := memory.Node{
		Content:    content,
		Name:       optStrParam(params, "name", ""),
		EntityType: entityType,
		Tags:       optStrSliceParam(params, "tags"),
		Metadata:   optMapParam(params, "metadata"),
		Source:     optStrParam(params, "source", ""),
	}

	var initialEdges []memory.Edge
	rawEdges, _ := params["initial_edges"].([]any)
	for _, raw := range rawEdges {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		initialEdges = append(initialEdges, memory.Edge{
			TargetID: optStrParam(m, "target_id", ""),
			Relation: optStrParam(m, "relation", ""),
			Weight:   optFloatParam(m, "weight", 1.0),
		})
	}
	return deps.Memory.Store(ctx, node, initialEdges)
}

func memorySearch(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	p := memory.SearchParams{
		Query:      optStrParam(params, "query", ""),
		Mode:       memory.SearchMode(optStrParam(params, "mode", string(memory.SearchHybrid))),
		Tags:       optStrSliceParam(params, "tags"),
		MaxResults: optIntParam(params, "max_results", 20),
	}
	switch p.Mode {
	case memory.SearchFulltext, memory.SearchTags, memory.SearchHybrid:
	default:
		return nil, errs.Newf(errs.KindInvalidParam, "unknown search mode %q", p.Mode)
	}
	if et := optStrParam(params, "entity_type", ""); et != "" {
		t := memory.EntityType(et)
		p.EntityType = &t
	}

	temporal := &memory.TemporalFilter{}
	hasTemporal := false
	if after := optStrParam(params, "created_after", ""); after != "" {
		ts, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return nil, errs.Newf(errs.KindInvalidParam, "created_after is not RFC3339: %q", after)
		}
		temporal.After = sql.NullTime{Time: ts, Valid: true}
		hasTemporal = true
	}
	if before := optStrParam(params, "created_before", ""); before != "" {
		ts, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return nil, errs.Newf(errs.KindInvalidParam, "created_before is not RFC3339: %q", before)
		}
		temporal.Before = sql.NullTime{Time: ts, Valid: true}
		hasTemporal = true
	}
	if hasTemporal {
		p.Temporal = temporal
	}

	nodes, err := deps.Memory.Search(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": nodes, "count": len(nodes)}, nil
}

func memoryUpdate(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	id, err := strParam(params, "id")
	if err != nil {
		return nil, err
	}
	patch := memory.Patch{Metadata: optMapParam(params, "metadata")}
	if c, ok := params["content"].(string); ok {
		patch.Content = &c
	}
	if n, ok := params["name"].(string); ok {
		patch.Name = &n
	}
	if _, ok := params["tags"]; ok {
		tags := optStrSliceParam(params, "tags")
		patch.Tags = &tags
	}
	return deps.Memory.Update(ctx, id, patch)
}

func memoryLink(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	src, err := strParam(params, "source_id")
	if err != nil {
		return nil, err
	}
	dst, err := strParam(params, "target_id")
	if err != nil {
		return nil, err
	}
	relation, err := strParam(params, "relation")
	if err != nil {
		return nil, err
	}

	var validFrom, validUntil *time.Time
	if raw := optStrParam(params, "valid_from", ""); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errs.Newf(errs.KindInvalidParam, "valid_from is not RFC3339: %q", raw)
		}
		validFrom = &ts
	}
	if raw := optStrParam(params, "valid_until", ""); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errs.Newf(errs.KindInvalidParam, "valid_until is not RFC3339: %q", raw)
		}
		validUntil = &ts
	}

	err = deps.Memory.Link(ctx, src, dst, relation,
		optFloatParam(params, "weight", 1.0),
		optBoolParam(params, "bidirectional", false),
		optMapParam(params, "metadata"),
		validFrom, validUntil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"source_id": src, "target_id": dst, "relation": relation, "linked": true}, nil
}
