// Package http is HostBridge's REST adapter: it maps tool POSTs, admin
// routes, and the health endpoint onto the core services, translating
// every failure into the shared error envelope.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/dispatch"
	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/hitl"
	"github.com/hostbridge/hostbridge/internal/secrets"
	"github.com/hostbridge/hostbridge/internal/telemetry"
	"github.com/hostbridge/hostbridge/internal/wsapi"
)

const maxRequestBodyBytes = 1 << 20

// BuildInfo is stamped at link time by the composition root.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

type Server struct {
	engine        *dispatch.Engine
	hitl          *hitl.Manager
	audit         *audit.Store
	secrets       *secrets.Store
	ws            *wsapi.Handler
	srv           *http.Server
	logger        *slog.Logger
	adminPassword string
	build         BuildInfo
	startedAt     time.Time
}

// NewServer assembles the REST surface. mcpHandler, when non-nil, is
// mounted at /mcp so both protocols share one listener.
func NewServer(addr string, engine *dispatch.Engine, hm *hitl.Manager, auditStore *audit.Store, secretStore *secrets.Store, ws *wsapi.Handler, mcpHandler http.Handler, logger *slog.Logger, adminPassword string, build BuildInfo) *Server {
	s := &Server{
		engine:        engine,
		hitl:          hm,
		audit:         auditStore,
		secrets:       secretStore,
		ws:            ws,
		logger:        logger,
		adminPassword: adminPassword,
		build:         build,
		startedAt:     time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/tools/{category}/{name}", s.handleToolCall)

	mux.HandleFunc("GET /api/admin/hitl", s.requireAdmin(s.handleHITLList))
	mux.HandleFunc("POST /api/admin/hitl/{id}/decision", s.requireAdmin(s.handleHITLDecision))
	mux.HandleFunc("GET /api/admin/audit", s.requireAdmin(s.handleAuditQuery))
	mux.HandleFunc("GET /api/admin/audit/export", s.requireAdmin(s.handleAuditExport))
	mux.HandleFunc("GET /api/admin/secrets", s.requireAdmin(s.handleSecretsList))
	mux.HandleFunc("POST /api/admin/secrets/reload", s.requireAdmin(s.handleSecretsReload))
	mux.HandleFunc("GET /api/admin/metrics", s.requireAdmin(s.handleMetrics))

	if ws != nil {
		mux.HandleFunc("GET /ws/hitl", s.requireAdmin(ws.ServeHITL))
		mux.HandleFunc("GET /ws/audit", s.requireAdmin(ws.ServeAudit))
	}
	if mcpHandler != nil {
		mux.Handle("/mcp", mcpHandler)
	}

	s.srv = &http.Server{
		Addr:        addr,
		Handler:     withLogging(logger, mux),
		ReadTimeout: 10 * time.Second,
		// Tool calls can legitimately block on a HITL decision for the
		// full TTL; the write timeout must outlast it.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", "addr", s.srv.Addr)
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version := s.build.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	name := r.PathValue("name")

	var params map[string]any
	if err := decodeJSONBody(w, r, &params); err != nil {
		writeEnvelope(w, errs.Wrap(errs.KindInvalidParam, err))
		return
	}
	if params == nil {
		params = map[string]any{}
	}

	ctx := dispatch.WithProtocol(r.Context(), dispatch.ProtocolREST)
	result, err := s.engine.Invoke(ctx, dispatch.Invocation{
		Category: category,
		Name:     name,
		Params:   params,
		Protocol: dispatch.ProtocolREST,
		CallerContext: map[string]any{
			"client_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		},
	})
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHITLList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.hitl.ListPending()})
}

type hitlDecisionBody struct {
	Decision string `json:"decision"` // "approve" | "reject"
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

func (s *Server) handleHITLDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body hitlDecisionBody
	if err := decodeJSONBody(w, r, &body); err != nil {
		writeEnvelope(w, errs.Wrap(errs.KindInvalidParam, err))
		return
	}
	if body.Decision != "approve" && body.Decision != "reject" {
		writeEnvelope(w, errs.Newf(errs.KindInvalidParam, "decision must be \"approve\" or \"reject\", got %q", body.Decision))
		return
	}
	reviewer := body.Reviewer
	if reviewer == "" {
		reviewer = "admin"
	}

	snap, err := s.hitl.Decide(id, body.Decision == "approve", reviewer, body.Note)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeEnvelope(w, errs.Wrap(errs.KindInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeEnvelope(w, err)
		return
	}

	format := audit.ExportJSON
	contentType := "application/json"
	if r.URL.Query().Get("format") == "csv" {
		format = audit.ExportCSV
		contentType = "text/csv"
	}

	body, compressed, err := s.audit.Export(r.Context(), filter, format)
	if err != nil {
		writeEnvelope(w, errs.Wrap(errs.KindInternal, err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	if compressed {
		w.Header().Set("Content-Encoding", "gzip")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func parseAuditFilter(r *http.Request) (audit.QueryFilter, error) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		ToolCategory: q.Get("tool_category"),
		ToolName:     q.Get("tool_name"),
		Status:       audit.Status(q.Get("status")),
		TextSearch:   q.Get("search"),
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errs.Newf(errs.KindInvalidParam, "since is not RFC3339: %q", raw)
		}
		filter.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errs.Newf(errs.KindInvalidParam, "until is not RFC3339: %q", raw)
		}
		filter.Until = ts
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
		return filter, errs.New(errs.KindInvalidParam, "until precedes since")
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, errs.Newf(errs.KindInvalidParam, "invalid limit %q", raw)
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, errs.Newf(errs.KindInvalidParam, "invalid offset %q", raw)
		}
		filter.Offset = n
	}
	return filter, nil
}

func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request) {
	// Keys only. Values have no read path anywhere in the API.
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.secrets.Keys()})
}

func (s *Server) handleSecretsReload(w http.ResponseWriter, r *http.Request) {
	if err := s.secrets.Reload(); err != nil {
		writeEnvelope(w, errs.Wrap(errs.KindInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true, "keys": s.secrets.Keys()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, telemetry.RenderPrometheus())
}

// requireAdmin gates admin and subscription routes on the configured
// password, carried in the X-Admin-Password header. An empty configured
// password leaves the routes open (dev profile).
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminPassword != "" && r.Header.Get("X-Admin-Password") != s.adminPassword {
			writeEnvelope(w, errs.New(errs.KindSecurity, "admin credentials required"))
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeEnvelope renders any error as the shared envelope with the
// status code its kind maps to.
func writeEnvelope(w http.ResponseWriter, err error) {
	classified := errs.Classify(err)
	writeJSON(w, classified.Kind.HTTPStatus(), errs.ToEnvelope(classified))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, so
// the WebSocket upgrade (hijack) works through the logging wrapper.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
