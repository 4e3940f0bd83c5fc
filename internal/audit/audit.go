// Package audit implements the Audit Store: an append-only log of every
// completed dispatch, indexed by (timestamp, tool_category, tool_name,
// status), with filtered queries, JSON/CSV export, and an advisory
// retention sweep.
package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/hostbridge/hostbridge/internal/storage"
)

// Status is one of the terminal outcomes an invocation's audit entry
// records.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
	StatusBlocked      Status = "blocked"
	StatusHITLApproved Status = "hitl_approved"
	StatusHITLRejected Status = "hitl_rejected"
	StatusHITLExpired  Status = "hitl_expired"
)

// Entry is one append-only audit record.
type Entry struct {
	ID                    string    `json:"id"`
	Timestamp             time.Time `json:"timestamp"`
	Protocol              string    `json:"protocol"`
	ToolCategory          string    `json:"tool_category"`
	ToolName              string    `json:"tool_name"`
	Status                Status    `json:"status"`
	DurationMS            int64     `json:"duration_ms"`
	ErrorMessage          *string   `json:"error_message,omitempty"`
	RequestParamsTemplate string    `json:"request_params_template"`
	ResponseSummary       string    `json:"response_summary"`
}

// RecordInput captures what the Dispatch Engine knows when an
// invocation reaches a terminal state.
type RecordInput struct {
	Protocol              string
	ToolCategory          string
	ToolName              string
	Status                Status
	Duration              time.Duration
	ErrorMessage          string
	RequestParamsTemplate map[string]any // unresolved; never contains a secret value
	Response              any
}

// EventSink receives newly written audit entries for the Notification
// Bus's audit channel.
type EventSink interface {
	PublishAudit(entry Entry)
}

// Masker scrubs literal secret values out of free-form text before it
// is persisted or streamed. *secrets.Store satisfies it.
type Masker interface {
	MaskValue(text string) string
}

// Store is the append-only audit log backed by the shared sqlite file.
type Store struct {
	db               *storage.DB
	sink             EventSink
	masker           Masker
	maxResponseBytes int
}

// NewStore wires the audit layer to its database, notification sink,
// and secret masker. maxResponseBytes bounds response_summary; the
// caller always gets the handler's full, untruncated result — only the
// audit copy is capped.
func NewStore(db *storage.DB, sink EventSink, masker Masker, maxResponseBytes int) *Store {
	if maxResponseBytes <= 0 {
		maxResponseBytes = 8 * 1024
	}
	return &Store{db: db, sink: sink, masker: masker, maxResponseBytes: maxResponseBytes}
}

// Record writes exactly one entry for an invocation. This is the single
// write path the dispatch engine calls, and it must complete before the
// adapter returns a response so an observer who has the result can
// always find the matching entry.
func (s *Store) Record(ctx context.Context, in RecordInput) (*Entry, error) {
	reqJSON, err := json.Marshal(in.RequestParamsTemplate)
	if err != nil {
		return nil, fmt.Errorf("marshal request_params_template: %w", err)
	}

	summary := s.truncatedSummary(in.Response)

	// Handler errors and output can echo resolved secret values (a proxy
	// embedding a credential in its error text, a URL with userinfo);
	// scrub them before anything is written or broadcast. The params
	// column needs no masking — it records the pre-resolution templates.
	errMsg := in.ErrorMessage
	if s.masker != nil {
		errMsg = s.masker.MaskValue(errMsg)
		summary = s.masker.MaskValue(summary)
	}

	entry := &Entry{
		ID:                    uuid.New().String(),
		Timestamp:             time.Now().UTC(),
		Protocol:              in.Protocol,
		ToolCategory:          in.ToolCategory,
		ToolName:              in.ToolName,
		Status:                in.Status,
		DurationMS:            in.Duration.Milliseconds(),
		RequestParamsTemplate: string(reqJSON),
		ResponseSummary:       summary,
	}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, timestamp, protocol, tool_category, tool_name, status, duration_ms, error_message, request_params_template, response_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.Protocol, entry.ToolCategory, entry.ToolName,
		string(entry.Status), entry.DurationMS, entry.ErrorMessage, entry.RequestParamsTemplate, entry.ResponseSummary,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if s.sink != nil {
		s.sink.PublishAudit(*entry)
	}
	return entry, nil
}

func (s *Store) truncatedSummary(response any) string {
	b, err := json.Marshal(response)
	if err != nil {
		return fmt.Sprintf("<unmarshalable response: %s>", err)
	}
	if len(b) <= s.maxResponseBytes {
		return string(b)
	}
	return string(b[:s.maxResponseBytes]) + "...<truncated>"
}

// QueryFilter narrows Query's result set. Zero values mean "no filter
// on this field".
type QueryFilter struct {
	ToolCategory string
	ToolName     string
	Status       Status
	Since        time.Time
	Until        time.Time
	TextSearch   string // matched against tool_name and error_message
	Limit        int
	Offset       int
}

// Query returns entries matching filter, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	var clauses []string
	var args []any

	if filter.ToolCategory != "" {
		clauses = append(clauses, "tool_category = ?")
		args = append(args, filter.ToolCategory)
	}
	if filter.ToolName != "" {
		clauses = append(clauses, "tool_name = ?")
		args = append(args, filter.ToolName)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.Until)
	}
	if filter.TextSearch != "" {
		clauses = append(clauses, "(tool_name LIKE ? OR error_message LIKE ?)")
		like := "%" + filter.TextSearch + "%"
		args = append(args, like, like)
	}

	query := "SELECT id, timestamp, protocol, tool_category, tool_name, status, duration_ms, error_message, request_params_template, response_summary FROM audit_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Protocol, &e.ToolCategory, &e.ToolName,
			&status, &e.DurationMS, &errMsg, &e.RequestParamsTemplate, &e.ResponseSummary); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Status = Status(status)
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExportFormat selects the rendering Export produces.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// Export renders the filtered result set as JSON or CSV, gzip-compressed
// via klauspost/compress when the rendered body exceeds 4KB.
func (s *Store) Export(ctx context.Context, filter QueryFilter, format ExportFormat) ([]byte, bool, error) {
	filter.Limit = 10000 // exports are not paginated like interactive queries
	entries, err := s.Query(ctx, filter)
	if err != nil {
		return nil, false, err
	}

	var body []byte
	switch format {
	case ExportCSV:
		body, err = renderCSV(entries)
	default:
		body, err = json.Marshal(entries)
	}
	if err != nil {
		return nil, false, err
	}

	if len(body) <= 4096 {
		return body, false, nil
	}
	compressed, err := gzipCompress(body)
	if err != nil {
		return nil, false, err
	}
	return compressed, true, nil
}

func renderCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "timestamp", "protocol", "tool_category", "tool_name", "status", "duration_ms", "error_message", "response_summary"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range entries {
		errMsg := ""
		if e.ErrorMessage != nil {
			errMsg = *e.ErrorMessage
		}
		row := []string{
			e.ID, e.Timestamp.Format(time.RFC3339), e.Protocol, e.ToolCategory, e.ToolName,
			string(e.Status), fmt.Sprintf("%d", e.DurationMS), errMsg, e.ResponseSummary,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(b); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SweepRetention deletes entries older than retentionDays. Retention is
// advisory, not a correctness requirement, so a failed sweep is logged
// by the caller and retried on the next tick rather than treated as fatal.
func (s *Store) SweepRetention(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	horizon := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE timestamp < ?`, horizon)
	if err != nil {
		return 0, fmt.Errorf("sweep audit retention: %w", err)
	}
	return res.RowsAffected()
}
