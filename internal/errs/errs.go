// Package errs defines HostBridge's stable error taxonomy and the
// mapping from a classified error to the shape every transport returns.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error identifiers carried in every failure
// response, over both the REST and MCP surfaces.
type Kind string

const (
	KindSecurity     Kind = "security"
	KindBlocked      Kind = "blocked"
	KindHITLRejected Kind = "hitl_rejected"
	KindHITLExpired  Kind = "hitl_expired"
	KindInvalidParam Kind = "invalid_parameter"
	KindNotFound     Kind = "not_found"
	KindTimeout      Kind = "timeout"
	KindInternal     Kind = "internal_error"
)

// Error is a classified HostBridge error. Every error that crosses a
// package boundary inside the dispatch pipeline is, or is mapped to, one
// of these.
type Error struct {
	Kind           Kind
	Message        string
	SuggestionTool string
	cause          error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// ErrorCode satisfies the CodedError convention used across the module:
// any error exposing ErrorCode() string is treated as already classified.
func (e *Error) ErrorCode() string { return string(e.Kind) }

// New builds a classified error with a caller-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it reachable via errors.Unwrap.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// WithSuggestion attaches a tool name the caller could use to diagnose
// the failure (e.g. "fs_list" on a file_not_found).
func (e *Error) WithSuggestion(tool string) *Error {
	e.SuggestionTool = tool
	return e
}

// CodedError is implemented by any error that already carries a Kind.
type CodedError interface {
	error
	ErrorCode() string
}

// Classify extracts the Kind of err, falling back to internal_error for
// anything the dispatch pipeline didn't classify itself. The Dispatch
// Engine never lets an unclassified error reach an adapter; this is the
// single chokepoint that guarantees that.
//
// Every internal_error result carries the generic message, whether err
// arrived pre-classified or not: handlers wrap raw causes (URL errors,
// exec failures) whose text can embed resolved secrets or internals,
// and none of that may reach a response body. The original stays
// reachable via Unwrap for the audit record.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		if he.Kind == KindInternal {
			return internalError(he.SuggestionTool, err)
		}
		return he
	}
	var coded CodedError
	if errors.As(err, &coded) {
		kind := Kind(coded.ErrorCode())
		if kind == KindInternal {
			return internalError("", err)
		}
		return &Error{Kind: kind, Message: err.Error(), cause: err}
	}
	return internalError("", err)
}

func internalError(suggestion string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", SuggestionTool: suggestion, cause: cause}
}

// HTTPStatus maps a Kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidParam:
		return 400
	case KindSecurity, KindBlocked, KindHITLRejected:
		return 403
	case KindNotFound:
		return 404
	case KindTimeout, KindHITLExpired:
		return 504
	case KindInternal:
		return 500
	default:
		return 500
	}
}

// JSONRPCCode maps a Kind to a JSON-RPC 2.0 error code for the MCP surface.
// Standard JSON-RPC codes are reused where they line up; HostBridge-specific
// kinds get codes in the reserved server-error range (-32000 to -32099).
func (k Kind) JSONRPCCode() int {
	switch k {
	case KindInvalidParam:
		return -32602 // Invalid params
	case KindNotFound:
		return -32601 // Method not found (closest standard analogue)
	case KindSecurity:
		return -32001
	case KindBlocked:
		return -32002
	case KindHITLRejected:
		return -32003
	case KindHITLExpired:
		return -32004
	case KindTimeout:
		return -32005
	default:
		return -32000
	}
}

// Envelope is the error shape returned by both REST and MCP transports.
type Envelope struct {
	Error          bool   `json:"error"`
	ErrorType      string `json:"error_type"`
	Message        string `json:"message"`
	SuggestionTool string `json:"suggestion_tool,omitempty"`
}

// ToEnvelope renders err as the wire-level error object.
func ToEnvelope(err error) Envelope {
	c := Classify(err)
	return Envelope{
		Error:          true,
		ErrorType:      string(c.Kind),
		Message:        c.Message,
		SuggestionTool: c.SuggestionTool,
	}
}
