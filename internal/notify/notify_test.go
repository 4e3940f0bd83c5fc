package notify

import (
	"testing"
	"time"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/hitl"
)

type fakePendingSource struct{ snap []hitl.Snapshot }

func (f fakePendingSource) ListPending() []hitl.Snapshot { return f.snap }

func TestSubscribeHITLReceivesSnapshotThenIncremental(t *testing.T) {
	existing := []hitl.Snapshot{{ID: "r1", Status: hitl.StatusPending}}
	b := New(fakePendingSource{snap: existing})

	events, snap, unsubscribe := b.SubscribeHITL()
	defer unsubscribe()

	if len(snap) != 1 || snap[0].ID != "r1" {
		t.Fatalf("expected snapshot to include pending request, got %+v", snap)
	}

	b.PublishHITL("created", hitl.Snapshot{ID: "r2", Status: hitl.StatusPending})

	select {
	case ev := <-events:
		if ev.Type != "created" || ev.Snapshot.ID != "r2" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishHITLDropsForSlowSubscriberInsteadOfBlocking(t *testing.T) {
	b := New(fakePendingSource{})
	_, _, unsubscribe := b.SubscribeHITL()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.PublishHITL("updated", hitl.Snapshot{ID: "r"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(fakePendingSource{})
	events, _, unsubscribe := b.SubscribeHITL()
	unsubscribe()

	_, open := <-events
	if open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestSubscribeAuditReceivesPublishedEntries(t *testing.T) {
	b := New(fakePendingSource{})
	events, unsubscribe := b.SubscribeAudit()
	defer unsubscribe()

	b.PublishAudit(audit.Entry{ID: "a1", ToolCategory: "fs", ToolName: "write"})

	select {
	case e := <-events:
		if e.ID != "a1" {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audit event")
	}
}
