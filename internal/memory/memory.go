// Package memory implements the Memory Graph: content-addressed nodes
// with typed edges, a full-text index, and graph traversal — backed by
// the shared sqlite file's memory_nodes, memory_edges, and memory_fts
// tables.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/storage"
)

// EntityType is one of the six node kinds the data model allows.
type EntityType string

const (
	EntityConcept EntityType = "concept"
	EntityFact    EntityType = "fact"
	EntityTask    EntityType = "task"
	EntityPerson  EntityType = "person"
	EntityEvent   EntityType = "event"
	EntityNote    EntityType = "note"
)

// ParentOf is the only relation that participates in hierarchy
// traversal (children, ancestors, subtree, roots).
const ParentOf = "parent_of"

// Node is one content-addressed memory entry.
type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	EntityType EntityType     `json:"entity_type"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
	Source     string         `json:"source,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Edge is one typed relation between two nodes.
type Edge struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Relation   string         `json:"relation"`
	Weight     float64        `json:"weight"`
	Metadata   map[string]any `json:"metadata"`
	ValidFrom  *time.Time     `json:"valid_from,omitempty"`
	ValidUntil *time.Time     `json:"valid_until,omitempty"`
}

// Graph is the Memory Graph service.
type Graph struct {
	db *storage.DB
}

// NewGraph wires the graph to the shared database.
func NewGraph(db *storage.DB) *Graph { return &Graph{db: db} }

// Store assigns an id (if Node.ID is empty), sets timestamps, inserts
// the node, links any initial edges, and upserts the FTS index — all in
// one transaction so a crash can never leave the index out of sync with
// the node table.
func (g *Graph) Store(ctx context.Context, n Node, initialEdges []Edge) (*Node, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Name == "" {
		n.Name = defaultName(n.Content)
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, e := range initialEdges {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM memory_nodes WHERE id = ?`, e.TargetID).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, errs.Newf(errs.KindInvalidParam, "edge target %q does not exist", e.TargetID)
		}
	}

	if err := insertNode(ctx, tx, n); err != nil {
		return nil, err
	}
	for _, e := range initialEdges {
		e.SourceID = n.ID
		if err := upsertEdge(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	if err := upsertFTS(ctx, tx, n); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &n, nil
}

func defaultName(content string) string {
	if len(content) <= 60 {
		return content
	}
	return content[:60]
}

func insertNode(ctx context.Context, tx *sql.Tx, n Node) error {
	tagsJSON, err := json.Marshal(n.Tags)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_nodes (id, name, content, entity_type, tags, metadata, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Name, n.Content, string(n.EntityType), string(tagsJSON), string(metaJSON), n.Source, n.CreatedAt, n.UpdatedAt)
	return err
}

func upsertFTS(ctx context.Context, tx *sql.Tx, n Node) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, n.ID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO memory_fts (id, name, content, tags) VALUES (?, ?, ?, ?)`,
		n.ID, n.Name, n.Content, joinTags(n.Tags))
	return err
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

func upsertEdge(ctx context.Context, tx *sql.Tx, e Edge) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_edges (source_id, target_id, relation, weight, metadata, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation) DO UPDATE SET
			weight = excluded.weight,
			metadata = excluded.metadata,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until`,
		e.SourceID, e.TargetID, e.Relation, nonZeroWeight(e.Weight), string(metaJSON), e.ValidFrom, e.ValidUntil)
	return err
}

func nonZeroWeight(w float64) float64 {
	if w == 0 {
		return 1.0
	}
	return w
}

// NodeView is a node plus, when requested, its immediate relations.
type NodeView struct {
	Node
	Outgoing []RelatedEdge `json:"outgoing,omitempty"`
	Incoming []RelatedEdge `json:"incoming,omitempty"`
}

// RelatedEdge pairs an edge with the neighbor node's name for display.
type RelatedEdge struct {
	Edge
	NeighborName string `json:"neighbor_name"`
}

// Get returns the node plus, if includeRelations, its immediate outgoing
// and incoming edges with each neighbor's name. Only edges touching the
// node itself are returned; a depth above 1 adds no farther edges.
func (g *Graph) Get(ctx context.Context, id string, includeRelations bool, depth int) (*NodeView, error) {
	n, err := g.getNode(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &NodeView{Node: *n}
	if !includeRelations {
		return view, nil
	}
	if depth <= 0 {
		depth = 1
	}

	frontier := map[string]bool{id: true}
	visited := map[string]bool{id: true}
	for hop := 0; hop < depth; hop++ {
		next := map[string]bool{}
		for nodeID := range frontier {
			out, err := g.edgesFrom(ctx, nodeID)
			if err != nil {
				return nil, err
			}
			for _, e := range out {
				if hop == 0 {
					name, _ := g.nodeName(ctx, e.TargetID)
					view.Outgoing = append(view.Outgoing, RelatedEdge{Edge: e, NeighborName: name})
				}
				if !visited[e.TargetID] {
					next[e.TargetID] = true
					visited[e.TargetID] = true
				}
			}
			in, err := g.edgesTo(ctx, nodeID)
			if err != nil {
				return nil, err
			}
			for _, e := range in {
				if hop == 0 {
					name, _ := g.nodeName(ctx, e.SourceID)
					view.Incoming = append(view.Incoming, RelatedEdge{Edge: e, NeighborName: name})
				}
				if !visited[e.SourceID] {
					next[e.SourceID] = true
					visited[e.SourceID] = true
				}
			}
		}
		frontier = next
	}
	return view, nil
}

func (g *Graph) getNode(ctx context.Context, id string) (*Node, error) {
	row := g.db.QueryRowContext(ctx, `SELECT id, name, content, entity_type, tags, metadata, source, created_at, updated_at FROM memory_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "memory node %q not found", id)
	}
	return n, err
}

func (g *Graph) nodeName(ctx context.Context, id string) (string, error) {
	var name string
	err := g.db.QueryRowContext(ctx, `SELECT name FROM memory_nodes WHERE id = ?`, id).Scan(&name)
	return name, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var entityType, tagsJSON, metaJSON string
	var source sql.NullString
	if err := row.Scan(&n.ID, &n.Name, &n.Content, &entityType, &tagsJSON, &metaJSON, &source, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.EntityType = EntityType(entityType)
	if source.Valid {
		n.Source = source.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &n, nil
}

func (g *Graph) edgesFrom(ctx context.Context, id string) ([]Edge, error) {
	return g.queryEdges(ctx, `SELECT source_id, target_id, relation, weight, metadata, valid_from, valid_until FROM memory_edges WHERE source_id = ?`, id)
}

func (g *Graph) edgesTo(ctx context.Context, id string) ([]Edge, error) {
	return g.queryEdges(ctx, `SELECT source_id, target_id, relation, weight, metadata, valid_from, valid_until FROM memory_edges WHERE target_id = ?`, id)
}

func (g *Graph) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEdge(row rowScanner) (*Edge, error) {
	var e Edge
	var metaJSON string
	var validFrom, validUntil sql.NullTime
	if err := row.Scan(&e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &metaJSON, &validFrom, &validUntil); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode edge metadata: %w", err)
	}
	if validFrom.Valid {
		e.ValidFrom = &validFrom.Time
	}
	if validUntil.Valid {
		e.ValidUntil = &validUntil.Time
	}
	return &e, nil
}

// Link idempotently upserts the edge (src, dst, relation). If
// bidirectional, it also upserts the reverse edge with the same
// relation and payload.
func (g *Graph) Link(ctx context.Context, src, dst, relation string, weight float64, bidirectional bool, metadata map[string]any, validFrom, validUntil *time.Time) error {
	if _, err := g.getNode(ctx, src); err != nil {
		return err
	}
	if _, err := g.getNode(ctx, dst); err != nil {
		return err
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	e := Edge{SourceID: src, TargetID: dst, Relation: relation, Weight: weight, Metadata: metadata, ValidFrom: validFrom, ValidUntil: validUntil}
	if err := upsertEdge(ctx, tx, e); err != nil {
		return err
	}
	if bidirectional {
		rev := Edge{SourceID: dst, TargetID: src, Relation: relation, Weight: weight, Metadata: metadata, ValidFrom: validFrom, ValidUntil: validUntil}
		if err := upsertEdge(ctx, tx, rev); err != nil {
			return err
		}
	}
	return tx.Commit()
}
