// Package mcp is HostBridge's MCP adapter: JSON-RPC over streamable
// HTTP on a single endpoint, with session ids carried in the
// Mcp-Session-Id header. Tool calls are translated into the same
// dispatch invocations the REST adapter produces; only the transport
// differs.
package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/internal/dispatch"
	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/registry"
)

const (
	protocolVersion  = "2024-11-05"
	sessionHeader    = "Mcp-Session-Id"
	sessionIdleLimit = 30 * time.Minute
	maxBodyBytes     = 4 << 20
)

// Handler serves the /mcp endpoint. It implements http.Handler so the
// composition root can mount it on the shared listener.
type Handler struct {
	engine   *dispatch.Engine
	registry *registry.Registry
	logger   *slog.Logger
	version  string

	mu       sync.Mutex
	sessions map[string]time.Time // id → last seen
}

func NewHandler(engine *dispatch.Engine, reg *registry.Registry, logger *slog.Logger, version string) *Handler {
	return &Handler{
		engine:   engine,
		registry: reg,
		logger:   logger,
		version:  version,
		sessions: map[string]time.Time{},
	}
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		// No server-initiated stream is offered; clients poll over POST.
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeResponse(w, "", jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}

	base := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	if req.Method == "initialize" {
		sessionID := h.newSession()
		base.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": "hostbridge", "version": h.version},
		}
		h.writeResponse(w, sessionID, base)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if !h.touchSession(sessionID) {
		base.Error = &rpcError{Code: -32000, Message: "missing or expired " + sessionHeader + " header; call initialize first"}
		h.writeResponse(w, "", base)
		return
	}

	// Notifications carry no id and get no JSON-RPC response.
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "ping":
		base.Result = map[string]any{}
	case "tools/list":
		base.Result = map[string]any{"tools": h.toolDefinitions()}
	case "tools/call":
		base = h.handleToolCall(r, req, base)
	default:
		base.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	h.writeResponse(w, sessionID, base)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	h.mu.Lock()
	_, existed := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !existed {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) newSession() string {
	id := uuid.New().String()
	h.mu.Lock()
	h.sessions[id] = time.Now()
	for sid, seen := range h.sessions {
		if time.Since(seen) > sessionIdleLimit {
			delete(h.sessions, sid)
		}
	}
	h.mu.Unlock()
	return id
}

func (h *Handler) touchSession(id string) bool {
	if id == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	seen, ok := h.sessions[id]
	if !ok || time.Since(seen) > sessionIdleLimit {
		delete(h.sessions, id)
		return false
	}
	h.sessions[id] = time.Now()
	return true
}

// toolDefinitions renders the registry's tool endpoints in MCP's tool
// list shape. Admin and health routes never appear here — only
// descriptors flagged as tool endpoints are exposed.
func (h *Handler) toolDefinitions() []map[string]any {
	endpoints := h.registry.ToolEndpoints()
	defs := make([]map[string]any, 0, len(endpoints))
	for _, d := range endpoints {
		defs = append(defs, map[string]any{
			"name":        d.MCPName(),
			"description": d.Description,
			"inputSchema": schemaToJSON(d.InputSchema),
		})
	}
	return defs
}

func schemaToJSON(s registry.Schema) map[string]any {
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = s.Type
	} else {
		out["type"] = "object"
	}
	if len(s.Properties) > 0 {
		props := map[string]any{}
		for name, prop := range s.Properties {
			props[name] = schemaToJSON(prop)
		}
		out["properties"] = props
	}
	if s.Items != nil {
		out["items"] = schemaToJSON(*s.Items)
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) handleToolCall(r *http.Request, req jsonRPCRequest, base jsonRPCResponse) jsonRPCResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		base.Error = &rpcError{Code: -32602, Message: "invalid params: " + err.Error()}
		return base
	}

	category, name, ok := strings.Cut(params.Name, "_")
	if !ok {
		base.Error = &rpcError{Code: -32602, Message: fmt.Sprintf("malformed tool name %q (expected category_name)", params.Name)}
		return base
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			base.Error = &rpcError{Code: -32602, Message: "arguments must be a JSON object"}
			return base
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx := dispatch.WithProtocol(r.Context(), dispatch.ProtocolMCP)
	result, err := h.engine.Invoke(ctx, dispatch.Invocation{
		Category: category,
		Name:     name,
		Params:   args,
		Protocol: dispatch.ProtocolMCP,
		CallerContext: map[string]any{
			"session_id": r.Header.Get(sessionHeader),
			"user_agent": r.UserAgent(),
		},
	})
	if err != nil {
		classified := errs.Classify(err)
		base.Error = &rpcError{Code: classified.Kind.JSONRPCCode(), Message: classified.Message}
		return base
	}

	rendered, err := json.Marshal(result)
	if err != nil {
		base.Error = &rpcError{Code: -32603, Message: "marshal tool result: " + err.Error()}
		return base
	}
	base.Result = mcpContent(string(rendered))
	return base
}

func mcpContent(text string) map[string]any {
	return map[string]any{
		"content": []map[string]string{
			{"type": "text", "text": text},
		},
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, sessionID string, resp jsonRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if sessionID != "" {
		w.Header().Set(sessionHeader, sessionID)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("mcp response marshal failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}
