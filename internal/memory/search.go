package memory

import (
	"context"
	"database/sql"
	"strings"
)

// SearchMode selects how Search matches nodes.
type SearchMode string

const (
	SearchFulltext SearchMode = "fulltext"
	SearchTags     SearchMode = "tags"
	SearchHybrid   SearchMode = "hybrid"
)

// TemporalFilter narrows search results to nodes created within a
// window; either bound may be zero to leave it open-ended.
type TemporalFilter struct {
	After  sql.NullTime
	Before sql.NullTime
}

// SearchParams bundles Search's optional filters.
type SearchParams struct {
	Query      string
	Mode       SearchMode
	EntityType *EntityType
	Tags       []string
	Temporal   *TemporalFilter
	MaxResults int
}

// Search finds nodes by full text (BM25-ranked over the FTS index), by
// requiring every supplied tag, or both (hybrid, the default).
func (g *Graph) Search(ctx context.Context, p SearchParams) ([]Node, error) {
	if p.Mode == "" {
		p.Mode = SearchHybrid
	}
	if p.MaxResults <= 0 || p.MaxResults > 500 {
		p.MaxResults = 50
	}

	var candidates []Node
	var err error

	switch p.Mode {
	case SearchFulltext:
		candidates, err = g.fulltextSearch(ctx, p.Query, p.MaxResults*4)
	case SearchTags:
		candidates, err = g.allNodes(ctx)
	default: // hybrid
		if strings.TrimSpace(p.Query) != "" {
			candidates, err = g.fulltextSearch(ctx, p.Query, p.MaxResults*4)
		} else {
			candidates, err = g.allNodes(ctx)
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]Node, 0, len(candidates))
	for _, n := range candidates {
		if p.EntityType != nil && n.EntityType != *p.EntityType {
			continue
		}
		if len(p.Tags) > 0 && !hasAllTags(n.Tags, p.Tags) {
			continue
		}
		if p.Temporal != nil {
			if p.Temporal.After.Valid && n.CreatedAt.Before(p.Temporal.After.Time) {
				continue
			}
			if p.Temporal.Before.Valid && n.CreatedAt.After(p.Temporal.Before.Time) {
				continue
			}
		}
		out = append(out, n)
		if len(out) >= p.MaxResults {
			break
		}
	}
	return out, nil
}

func hasAllTags(nodeTags, required []string) bool {
	present := make(map[string]bool, len(nodeTags))
	for _, t := range nodeTags {
		present[t] = true
	}
	for _, r := range required {
		if !present[r] {
			return false
		}
	}
	return true
}

func (g *Graph) fulltextSearch(ctx context.Context, query string, limit int) ([]Node, error) {
	if strings.TrimSpace(query) == "" {
		return g.allNodes(ctx)
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT n.id, n.name, n.content, n.entity_type, n.tags, n.metadata, n.source, n.created_at, n.updated_at
		FROM memory_fts f
		JOIN memory_nodes n ON n.id = f.id
		WHERE memory_fts MATCH ?
		ORDER BY bm25(memory_fts)
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (g *Graph) allNodes(ctx context.Context) ([]Node, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, name, content, entity_type, tags, metadata, source, created_at, updated_at
		FROM memory_nodes ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}
