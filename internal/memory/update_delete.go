package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hostbridge/hostbridge/internal/errs"
)

// Patch describes a partial update: nil fields are left untouched.
// Tags, when present, replace wholesale; Metadata is merged key by key.
type Patch struct {
	Content  *string
	Name     *string
	Tags     *[]string
	Metadata map[string]any
}

// Update applies patch to node id and returns the updated node.
func (g *Graph) Update(ctx context.Context, id string, patch Patch) (*Node, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, name, content, entity_type, tags, metadata, source, created_at, updated_at FROM memory_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "memory node %q not found", id)
	}
	if err != nil {
		return nil, err
	}

	if patch.Content != nil {
		n.Content = *patch.Content
	}
	if patch.Name != nil {
		n.Name = *patch.Name
	}
	if patch.Tags != nil {
		n.Tags = *patch.Tags
	}
	for k, v := range patch.Metadata {
		n.Metadata[k] = v
	}
	n.UpdatedAt = time.Now().UTC()

	tagsJSON, err := json.Marshal(n.Tags)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE memory_nodes SET name = ?, content = ?, tags = ?, metadata = ?, updated_at = ?
		WHERE id = ?`, n.Name, n.Content, string(tagsJSON), string(metaJSON), n.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	if err := upsertFTS(ctx, tx, *n); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return n, nil
}

// Delete removes node id. With cascade=false, if deleting id would
// orphan children (nodes whose only parent_of parent is id), the delete
// is refused and the would-be-orphan ids are returned. With
// cascade=true, those children are deleted transitively first.
func (g *Graph) Delete(ctx context.Context, id string, cascade bool) (orphans []string, err error) {
	if _, err := g.getNode(ctx, id); err != nil {
		return nil, err
	}

	orphans, err = g.transitiveOrphans(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 && !cascade {
		return orphans, errs.Newf(errs.KindInvalidParam, "deleting %q would orphan %d node(s); retry with cascade=true", id, len(orphans))
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if cascade {
		for _, childID := range orphans {
			if err := deleteNodeTx(ctx, tx, childID); err != nil {
				return nil, err
			}
		}
	}
	if err := deleteNodeTx(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return orphans, nil
}

// transitiveOrphans computes the full set of nodes that deleting root
// would orphan: direct children of root whose only parent_of parent is
// root, then their children whose only surviving parent is already in
// the doomed set, and so on.
func (g *Graph) transitiveOrphans(ctx context.Context, root string) ([]string, error) {
	doomed := map[string]bool{root: true}
	var order []string

	for {
		candidates, err := g.childrenOf(ctx, doomedKeys(doomed))
		if err != nil {
			return nil, err
		}
		added := false
		for _, childID := range candidates {
			if doomed[childID] {
				continue
			}
			parents, err := g.parentsOf(ctx, childID)
			if err != nil {
				return nil, err
			}
			if allWithin(parents, doomed) {
				doomed[childID] = true
				order = append(order, childID)
				added = true
			}
		}
		if !added {
			break
		}
	}
	return order, nil
}

func doomedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func allWithin(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if !set[id] {
			return false
		}
	}
	return true
}

func (g *Graph) childrenOf(ctx context.Context, parentIDs []string) ([]string, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(parentIDs))
	args := make([]any, 0, len(parentIDs)+1)
	for i, id := range parentIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, ParentOf)
	query := `SELECT DISTINCT target_id FROM memory_edges WHERE source_id IN (` + joinPlaceholders(placeholders) + `) AND relation = ?`
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (g *Graph) parentsOf(ctx context.Context, childID string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT source_id FROM memory_edges WHERE target_id = ? AND relation = ?`, childID, ParentOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func joinPlaceholders(ph []string) string {
	out := ""
	for i, p := range ph {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func deleteNodeTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM memory_nodes WHERE id = ?`, id)
	return err
}
