package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hostbridge/hostbridge/internal/storage"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "hostbridge.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewGraph(db)
}

func mustStore(t *testing.T, g *Graph, content string, et EntityType, tags []string) *Node {
	t.Helper()
	n, err := g.Store(context.Background(), Node{Content: content, EntityType: et, Tags: tags}, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return n
}

func TestStoreAssignsIDAndDefaultName(t *testing.T) {
	g := newTestGraph(t)
	n := mustStore(t, g, "a short fact", EntityFact, nil)
	if n.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if n.Name != "a short fact" {
		t.Fatalf("expected default name from content, got %q", n.Name)
	}
}

func TestStoreRejectsInitialEdgeToMissingTarget(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.Store(context.Background(), Node{Content: "x", EntityType: EntityNote}, []Edge{{TargetID: "does-not-exist", Relation: ParentOf}})
	if err == nil {
		t.Fatal("expected error for missing edge target")
	}
}

func TestGetIncludesImmediateRelations(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityConcept, nil)
	b := mustStore(t, g, "b", EntityConcept, nil)
	if err := g.Link(ctx, a.ID, b.ID, "relates_to", 1.0, false, nil, nil, nil); err != nil {
		t.Fatalf("link: %v", err)
	}

	view, err := g.Get(ctx, a.ID, true, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(view.Outgoing) != 1 || view.Outgoing[0].TargetID != b.ID {
		t.Fatalf("expected one outgoing edge to b, got %+v", view.Outgoing)
	}
}

func TestLinkIsIdempotentUpsert(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityConcept, nil)
	b := mustStore(t, g, "b", EntityConcept, nil)

	if err := g.Link(ctx, a.ID, b.ID, "relates_to", 1.0, false, nil, nil, nil); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if err := g.Link(ctx, a.ID, b.ID, "relates_to", 5.0, false, nil, nil, nil); err != nil {
		t.Fatalf("second link: %v", err)
	}
	edges, err := g.edgesFrom(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected edge uniqueness on (source,target,relation), got %d edges", len(edges))
	}
	if edges[0].Weight != 5.0 {
		t.Fatalf("expected upsert to replace weight, got %v", edges[0].Weight)
	}
}

func TestBidirectionalLinkCreatesReverseEdge(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityPerson, nil)
	b := mustStore(t, g, "b", EntityPerson, nil)

	if err := g.Link(ctx, a.ID, b.ID, "knows", 1.0, true, nil, nil, nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	rev, err := g.edgesFrom(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rev) != 1 || rev[0].TargetID != a.ID {
		t.Fatalf("expected reverse edge b->a, got %+v", rev)
	}
}

// Scenario: store(P), link(P->C, parent_of), subtree(P)==[C],
// roots() contains P not C, ancestors(C)==[P].
func TestHierarchyScenario(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	p := mustStore(t, g, "parent", EntityConcept, nil)
	c := mustStore(t, g, "child", EntityConcept, nil)

	if err := g.Link(ctx, p.ID, c.ID, ParentOf, 1.0, false, nil, nil, nil); err != nil {
		t.Fatalf("link: %v", err)
	}

	subtree, err := g.Subtree(ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	if len(subtree) != 1 || subtree[0].ID != c.ID {
		t.Fatalf("expected subtree(p) == [c], got %+v", subtree)
	}

	roots, err := g.Roots(ctx)
	if err != nil {
		t.Fatalf("roots: %v", err)
	}
	foundP, foundC := false, false
	for _, r := range roots {
		if r.ID == p.ID {
			foundP = true
		}
		if r.ID == c.ID {
			foundC = true
		}
	}
	if !foundP {
		t.Fatal("expected roots() to contain p")
	}
	if foundC {
		t.Fatal("expected roots() to not contain c")
	}

	ancestors, err := g.Ancestors(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(ancestors) != 1 || ancestors[0].ID != p.ID {
		t.Fatalf("expected ancestors(c) == [p], got %+v", ancestors)
	}

	children, err := g.Children(ctx, p.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 || children[0].ID != c.ID {
		t.Fatalf("expected children(p) == [c], got %+v", children)
	}
}

func TestSubtreeTransitiveAcrossMultipleLevels(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityConcept, nil)
	b := mustStore(t, g, "b", EntityConcept, nil)
	c := mustStore(t, g, "c", EntityConcept, nil)
	g.Link(ctx, a.ID, b.ID, ParentOf, 1.0, false, nil, nil, nil)
	g.Link(ctx, b.ID, c.ID, ParentOf, 1.0, false, nil, nil, nil)

	subtree, err := g.Subtree(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	if len(subtree) != 2 {
		t.Fatalf("expected subtree(a) to contain b and c, got %+v", subtree)
	}
}

func TestRelatedFiltersByRelation(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityConcept, nil)
	b := mustStore(t, g, "b", EntityConcept, nil)
	c := mustStore(t, g, "c", EntityConcept, nil)
	g.Link(ctx, a.ID, b.ID, "knows", 1.0, false, nil, nil, nil)
	g.Link(ctx, a.ID, c.ID, ParentOf, 1.0, false, nil, nil, nil)

	related, err := g.Related(ctx, a.ID, ParentOf)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) != 1 || related[0].TargetID != c.ID {
		t.Fatalf("expected only the parent_of edge, got %+v", related)
	}
}

func TestSearchFulltextRanksByRelevance(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	mustStore(t, g, "the quick brown fox", EntityNote, nil)
	mustStore(t, g, "an unrelated note about turtles", EntityNote, nil)

	results, err := g.Search(ctx, SearchParams{Query: "fox", Mode: SearchFulltext})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(results))
	}
}

func TestSearchTagsRequiresAllTags(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	mustStore(t, g, "a", EntityNote, []string{"go", "backend"})
	mustStore(t, g, "b", EntityNote, []string{"go"})

	results, err := g.Search(ctx, SearchParams{Mode: SearchTags, Tags: []string{"go", "backend"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one node with both tags, got %d", len(results))
	}
}

func TestUpdateMergesMetadataAndReplacesTags(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	n, err := g.Store(ctx, Node{Content: "x", EntityType: EntityNote, Tags: []string{"a"}, Metadata: map[string]any{"k1": "v1"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	newTags := []string{"b", "c"}
	updated, err := g.Update(ctx, n.ID, Patch{Tags: &newTags, Metadata: map[string]any{"k2": "v2"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Tags) != 2 || updated.Tags[0] != "b" {
		t.Fatalf("expected tags replaced wholesale, got %+v", updated.Tags)
	}
	if updated.Metadata["k1"] != "v1" || updated.Metadata["k2"] != "v2" {
		t.Fatalf("expected metadata merged, got %+v", updated.Metadata)
	}
}

func TestDeleteRefusesWhenItWouldOrphanWithoutCascade(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	p := mustStore(t, g, "parent", EntityConcept, nil)
	c := mustStore(t, g, "child", EntityConcept, nil)
	g.Link(ctx, p.ID, c.ID, ParentOf, 1.0, false, nil, nil, nil)

	orphans, err := g.Delete(ctx, p.ID, false)
	if err == nil {
		t.Fatal("expected delete to be refused")
	}
	if len(orphans) != 1 || orphans[0] != c.ID {
		t.Fatalf("expected would-be-orphan list [c], got %+v", orphans)
	}
}

func TestDeleteCascadesTransitively(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityConcept, nil)
	b := mustStore(t, g, "b", EntityConcept, nil)
	c := mustStore(t, g, "c", EntityConcept, nil)
	g.Link(ctx, a.ID, b.ID, ParentOf, 1.0, false, nil, nil, nil)
	g.Link(ctx, b.ID, c.ID, ParentOf, 1.0, false, nil, nil, nil)

	orphans, err := g.Delete(ctx, a.ID, true)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected b and c to be transitively deleted, got %+v", orphans)
	}
	if _, err := g.getNode(ctx, b.ID); err == nil {
		t.Fatal("expected b to be gone")
	}
	if _, err := g.getNode(ctx, c.ID); err == nil {
		t.Fatal("expected c to be gone")
	}
}

func TestDeleteDoesNotOrphanNodeWithOtherSurvivingParent(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityConcept, nil)
	other := mustStore(t, g, "other", EntityConcept, nil)
	shared := mustStore(t, g, "shared", EntityConcept, nil)
	g.Link(ctx, a.ID, shared.ID, ParentOf, 1.0, false, nil, nil, nil)
	g.Link(ctx, other.ID, shared.ID, ParentOf, 1.0, false, nil, nil, nil)

	orphans, err := g.Delete(ctx, a.ID, false)
	if err != nil {
		t.Fatalf("expected delete to succeed since shared still has other as parent: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected no orphans, got %+v", orphans)
	}
	if _, err := g.getNode(ctx, shared.ID); err != nil {
		t.Fatal("expected shared node to survive")
	}
}

func TestStatsCountsNodesEdgesAndOrphans(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustStore(t, g, "a", EntityConcept, []string{"x"})
	b := mustStore(t, g, "b", EntityConcept, []string{"x"})
	mustStore(t, g, "isolated", EntityNote, nil)
	g.Link(ctx, a.ID, b.ID, "relates_to", 1.0, false, nil, nil, nil)

	stats, err := g.Stats(ctx, 5)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.NodeCount != 3 {
		t.Fatalf("expected 3 nodes, got %d", stats.NodeCount)
	}
	if stats.EdgeCount != 1 {
		t.Fatalf("expected 1 edge, got %d", stats.EdgeCount)
	}
	if stats.OrphanCount != 1 {
		t.Fatalf("expected 1 orphan, got %d", stats.OrphanCount)
	}
	if len(stats.TopTags) != 1 || stats.TopTags[0].Tag != "x" || stats.TopTags[0].Count != 2 {
		t.Fatalf("expected tag x with count 2, got %+v", stats.TopTags)
	}
}
