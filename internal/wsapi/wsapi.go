// Package wsapi serves the two WebSocket surfaces backed by the
// Notification Bus: a HITL channel (snapshot of pending requests, then
// incremental events, accepting decision frames back) and an audit
// channel (incremental stream of new entries).
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hostbridge/hostbridge/internal/hitl"
	"github.com/hostbridge/hostbridge/internal/notify"
)

const writeTimeout = 5 * time.Second

// Frame is the wire shape both sockets speak: {type, data}.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler serves the /ws/hitl and /ws/audit endpoints.
type Handler struct {
	bus    *notify.Bus
	hitl   *hitl.Manager
	logger *slog.Logger
}

// New wires the WebSocket surfaces to the bus and the HITL manager
// (needed to apply decision frames).
func New(bus *notify.Bus, hm *hitl.Manager, logger *slog.Logger) *Handler {
	return &Handler{bus: bus, hitl: hm, logger: logger}
}

// ServeHITL upgrades the connection, delivers a snapshot of pending
// requests, then streams lifecycle events. It also reads frames from
// the client: "hitl_decision" applies an approve/reject, and
// "request_pending" re-delivers the snapshot.
func (h *Handler) ServeHITL(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	events, snapshot, unsubscribe := h.bus.SubscribeHITL()
	defer unsubscribe()

	if err := h.writeFrame(ctx, conn, "snapshot", snapshot); err != nil {
		return
	}

	// Reader loop runs aside the event loop; a read error tears the
	// connection down via cancel.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.readHITLFrames(readCtx, conn, cancel)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			frameType := "hitl_request"
			if ev.Type == "updated" {
				frameType = "hitl_update"
			}
			if err := h.writeFrame(readCtx, conn, frameType, ev.Snapshot); err != nil {
				return
			}
		case <-readCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
	}
}

type decisionFrame struct {
	ID       string `json:"id"`
	Decision string `json:"decision"` // "approve" | "reject"
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

func (h *Handler) readHITLFrames(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}

		switch frame.Type {
		case "hitl_decision":
			var d decisionFrame
			if err := json.Unmarshal(frame.Data, &d); err != nil {
				h.writeFrame(ctx, conn, "error", map[string]string{"message": "malformed hitl_decision frame"})
				continue
			}
			reviewer := d.Reviewer
			if reviewer == "" {
				reviewer = "admin"
			}
			if _, err := h.hitl.Decide(d.ID, d.Decision == "approve", reviewer, d.Note); err != nil {
				h.writeFrame(ctx, conn, "error", map[string]string{"id": d.ID, "message": err.Error()})
			}
		case "request_pending":
			h.writeFrame(ctx, conn, "snapshot", h.hitl.ListPending())
		default:
			h.writeFrame(ctx, conn, "error", map[string]string{"message": "unknown frame type " + frame.Type})
		}
	}
}

// ServeAudit upgrades the connection and streams new audit entries.
// There is no snapshot phase; history is served by the query API.
func (h *Handler) ServeAudit(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	events, unsubscribe := h.bus.SubscribeAudit()
	defer unsubscribe()

	for {
		select {
		case entry, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			if err := h.writeFrame(ctx, conn, "audit_entry", entry); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, conn *websocket.Conn, frameType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("ws frame marshal failed", "type", frameType, "err", err)
		}
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, Frame{Type: frameType, Data: raw})
}
