// Traversal operations are implemented as iterative breadth-first walks
// with an explicit visited set and depth bound, even though sqlite can
// express a recursive CTE for this — keeping depth accounting uniform
// regardless of which store backs the graph.
package memory

import "context"

const defaultMaxDepth = 10

// Children returns nodes directly reachable from id via parent_of.
func (g *Graph) Children(ctx context.Context, id string) ([]Node, error) {
	ids, err := g.childrenOf(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return g.nodesByIDs(ctx, ids)
}

// Ancestors walks reverse parent_of edges from id, bounded by maxDepth
// (default 10), returning every ancestor found.
func (g *Graph) Ancestors(ctx context.Context, id string, maxDepth int) ([]Node, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var ancestorIDs []string

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make([]string, 0)
		for _, nodeID := range frontier {
			parents, err := g.parentsOf(ctx, nodeID)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				if !visited[p] {
					visited[p] = true
					ancestorIDs = append(ancestorIDs, p)
					next = append(next, p)
				}
			}
		}
		frontier = next
	}
	return g.nodesByIDs(ctx, ancestorIDs)
}

// Subtree walks forward parent_of edges from id, bounded by maxDepth
// (default 10), excluding the root itself.
func (g *Graph) Subtree(ctx context.Context, id string, maxDepth int) ([]Node, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var descendantIDs []string

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		children, err := g.childrenOf(ctx, frontier)
		if err != nil {
			return nil, err
		}
		next := make([]string, 0)
		for _, c := range children {
			if !visited[c] {
				visited[c] = true
				descendantIDs = append(descendantIDs, c)
				next = append(next, c)
			}
		}
		frontier = next
	}
	return g.nodesByIDs(ctx, descendantIDs)
}

// Roots returns nodes with no incoming parent_of edge.
func (g *Graph) Roots(ctx context.Context) ([]Node, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, name, content, entity_type, tags, metadata, source, created_at, updated_at
		FROM memory_nodes n
		WHERE NOT EXISTS (SELECT 1 FROM memory_edges e WHERE e.target_id = n.id AND e.relation = ?)
		ORDER BY created_at`, ParentOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

// Related returns the union of outgoing and incoming edges for id,
// optionally filtered to a single relation.
func (g *Graph) Related(ctx context.Context, id string, relation string) ([]Edge, error) {
	out, err := g.edgesFrom(ctx, id)
	if err != nil {
		return nil, err
	}
	in, err := g.edgesTo(ctx, id)
	if err != nil {
		return nil, err
	}
	all := append(out, in...)
	if relation == "" {
		return all, nil
	}
	filtered := make([]Edge, 0, len(all))
	for _, e := range all {
		if e.Relation == relation {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (g *Graph) nodesByIDs(ctx context.Context, ids []string) ([]Node, error) {
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, err := g.getNode(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}
