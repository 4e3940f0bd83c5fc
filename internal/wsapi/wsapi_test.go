package wsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hostbridge/hostbridge/internal/hitl"
	"github.com/hostbridge/hostbridge/internal/notify"
)

func newWSFixture(t *testing.T) (*hitl.Manager, *httptest.Server) {
	t.Helper()
	bus := notify.New(nil)
	hm := hitl.NewManager(bus)
	bus.SetPendingSource(hm)
	t.Cleanup(hm.Stop)

	h := New(bus, hm, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/hitl", h.ServeHITL)
	mux.HandleFunc("/ws/audit", h.ServeAudit)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hm, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestHITLSocketDeliversSnapshotThenEvents(t *testing.T) {
	hm, srv := newWSFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pre := hitl.NewRequest(hitl.NewID(), "fs", "write", "review", map[string]any{"path": "a.conf"}, nil, 60)
	hm.Submit(pre)

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/hitl"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	snap := readFrame(t, ctx, conn)
	if snap.Type != "snapshot" {
		t.Fatalf("first frame type = %q, want snapshot", snap.Type)
	}
	if !strings.Contains(string(snap.Data), pre.ID) {
		t.Fatal("snapshot should include the pre-existing pending request")
	}

	post := hitl.NewRequest(hitl.NewID(), "shell", "run", "review", map[string]any{"command": "ls"}, nil, 60)
	hm.Submit(post)

	ev := readFrame(t, ctx, conn)
	if ev.Type != "hitl_request" {
		t.Fatalf("event frame type = %q, want hitl_request", ev.Type)
	}
	if !strings.Contains(string(ev.Data), post.ID) {
		t.Fatal("event should carry the new request")
	}
}

func TestHITLSocketAcceptsDecisionFrames(t *testing.T) {
	hm, srv := newWSFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := hitl.NewRequest(hitl.NewID(), "fs", "write", "review", map[string]any{"path": "a.conf"}, nil, 60)
	hm.Submit(req)

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/hitl"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readFrame(t, ctx, conn) // snapshot

	decision := map[string]any{
		"type": "hitl_decision",
		"data": map[string]any{"id": req.ID, "decision": "approve", "reviewer": "ops"},
	}
	if err := wsjson.Write(ctx, conn, decision); err != nil {
		t.Fatalf("write decision: %v", err)
	}

	update := readFrame(t, ctx, conn)
	if update.Type != "hitl_update" {
		t.Fatalf("frame type = %q, want hitl_update", update.Type)
	}
	if !strings.Contains(string(update.Data), `"approved"`) {
		t.Fatalf("update should show approved status, got %s", update.Data)
	}

	snap, ok := hm.Snapshot(req.ID)
	if !ok || snap.Status != hitl.StatusApproved {
		t.Fatalf("request status = %v, want approved", snap.Status)
	}
	if snap.ReviewedBy != "ops" {
		t.Fatalf("reviewed_by = %q, want ops", snap.ReviewedBy)
	}
}
