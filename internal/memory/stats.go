package memory

import "context"

// Stats summarizes the current graph shape for operator/debugging use.
type Stats struct {
	NodeCount      int            `json:"node_count"`
	NodesByType    map[string]int `json:"nodes_by_type"`
	EdgeCount      int            `json:"edge_count"`
	OrphanCount    int            `json:"orphan_count"`
	TopTags        []TagCount     `json:"top_tags"`
	MostConnected  []NodeDegree   `json:"most_connected"`
}

// TagCount is a tag and the number of nodes carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// NodeDegree is a node id/name paired with its total edge degree.
type NodeDegree struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Degree int    `json:"degree"`
}

// Stats computes aggregate counts over the graph. Orphans are nodes with
// no incoming or outgoing edge of any relation. Tag and degree rankings
// are computed in Go rather than SQL since tags are stored as a JSON
// array column, not a join table.
func (g *Graph) Stats(ctx context.Context, topN int) (*Stats, error) {
	if topN <= 0 {
		topN = 10
	}
	s := &Stats{NodesByType: map[string]int{}}

	nodes, err := g.allNodes(ctx)
	if err != nil {
		return nil, err
	}
	s.NodeCount = len(nodes)

	degree := make(map[string]int, len(nodes))
	tagCounts := map[string]int{}
	for _, n := range nodes {
		s.NodesByType[string(n.EntityType)]++
		for _, t := range n.Tags {
			tagCounts[t]++
		}
		degree[n.ID] = 0
	}

	var edgeCount int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memory_edges`).Scan(&edgeCount); err != nil {
		return nil, err
	}
	s.EdgeCount = edgeCount

	rows, err := g.db.QueryContext(ctx, `SELECT source_id, target_id FROM memory_edges`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			rows.Close()
			return nil, err
		}
		degree[src]++
		degree[dst]++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	orphans := 0
	for _, n := range nodes {
		if degree[n.ID] == 0 {
			orphans++
		}
	}
	s.OrphanCount = orphans

	s.TopTags = topTagCounts(tagCounts, topN)
	s.MostConnected = topDegrees(nodes, degree, topN)
	return s, nil
}

func topTagCounts(counts map[string]int, n int) []TagCount {
	out := make([]TagCount, 0, len(counts))
	for tag, c := range counts {
		out = append(out, TagCount{Tag: tag, Count: c})
	}
	sortDescByCount(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sortDescByCount(tc []TagCount) {
	for i := 1; i < len(tc); i++ {
		for j := i; j > 0 && tc[j].Count > tc[j-1].Count; j-- {
			tc[j], tc[j-1] = tc[j-1], tc[j]
		}
	}
}

func topDegrees(nodes []Node, degree map[string]int, n int) []NodeDegree {
	out := make([]NodeDegree, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, NodeDegree{ID: node.ID, Name: node.Name, Degree: degree[node.ID]})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Degree > out[j-1].Degree; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}
