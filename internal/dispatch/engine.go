// Package dispatch implements the Dispatch Engine: the single pipeline
// every tool invocation traverses regardless of transport. Lookup,
// policy, HITL suspension, template expansion, schema validation,
// handler execution, and audit capture happen here and nowhere else.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/hitl"
	"github.com/hostbridge/hostbridge/internal/plan"
	"github.com/hostbridge/hostbridge/internal/policy"
	"github.com/hostbridge/hostbridge/internal/registry"
	"github.com/hostbridge/hostbridge/internal/telemetry"
	"github.com/hostbridge/hostbridge/internal/template"
)

// Protocol identifies the transport an invocation arrived over.
type Protocol string

const (
	ProtocolREST Protocol = "rest"
	ProtocolMCP  Protocol = "mcp"
)

type ctxKey string

const ctxKeyProtocol ctxKey = "protocol"

// WithProtocol tags ctx with the transport that originated the current
// request so work dispatched indirectly (plan tasks) is audited under
// the protocol that started it.
func WithProtocol(ctx context.Context, p Protocol) context.Context {
	return context.WithValue(ctx, ctxKeyProtocol, p)
}

// ProtocolFromContext reads the tag set by WithProtocol, defaulting to
// rest when absent.
func ProtocolFromContext(ctx context.Context) Protocol {
	if p, ok := ctx.Value(ctxKeyProtocol).(Protocol); ok {
		return p
	}
	return ProtocolREST
}

// Invocation is the canonical, protocol-independent form of a tool call.
type Invocation struct {
	ID            string
	Category      string
	Name          string
	Params        map[string]any
	Protocol      Protocol
	CallerContext map[string]any

	// ForceHITL is the plan-level require_hitl override: when set, an
	// invocation the policy would allow is routed through approval anyway.
	// A policy block still blocks.
	ForceHITL bool
}

// Engine glues the registry, policy engine, HITL manager, secrets
// store, and audit store into one uniform invocation pipeline.
type Engine struct {
	registry    *registry.Registry
	policy      *policy.Engine
	hitl        *hitl.Manager
	secrets     template.SecretLookup
	audit       *audit.Store
	logger      *slog.Logger
	execTimeout time.Duration // 0 = unbounded; covers the full dispatch including HITL wait
}

// New wires an Engine. execTimeout, when positive, bounds every
// invocation end to end.
func New(reg *registry.Registry, pol *policy.Engine, hm *hitl.Manager, secrets template.SecretLookup, auditStore *audit.Store, logger *slog.Logger, execTimeout time.Duration) *Engine {
	return &Engine{
		registry:    reg,
		policy:      pol,
		hitl:        hm,
		secrets:     secrets,
		audit:       auditStore,
		logger:      logger,
		execTimeout: execTimeout,
	}
}

// Invoke runs one invocation through the full pipeline and returns the
// handler result or a classified error. Exactly one audit entry is
// written before Invoke returns, whatever the outcome.
func (e *Engine) Invoke(ctx context.Context, inv Invocation) (any, error) {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.Protocol == "" {
		inv.Protocol = ProtocolFromContext(ctx)
	}
	if e.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.execTimeout)
		defer cancel()
	}

	start := time.Now()
	tool := inv.Category + "." + inv.Name

	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.invoke")
	span.SetAttributes(
		attribute.String("tool.category", inv.Category),
		attribute.String("tool.name", inv.Name),
		attribute.String("protocol", string(inv.Protocol)),
	)
	defer span.End()

	desc, ok := e.registry.Lookup(inv.Category, inv.Name)
	if !ok {
		err := errs.Newf(errs.KindNotFound, "unknown tool %s", tool)
		e.record(ctx, inv, audit.StatusError, start, err.Message, nil)
		return nil, err
	}

	decision := e.policy.Evaluate(inv.Category, inv.Name, inv.Params, desc.RequiresHITLDefault)
	if decision.Action == policy.ActionAllow && inv.ForceHITL {
		ttl := decision.TTLSeconds
		if ttl <= 0 {
			ttl = e.policy.DefaultTTL()
		}
		decision = policy.Decision{
			Action:     policy.ActionApprove,
			Reason:     "task requires approval",
			TTLSeconds: ttl,
		}
	}

	switch decision.Action {
	case policy.ActionBlock:
		err := errs.New(errs.KindBlocked, decision.Reason)
		e.record(ctx, inv, audit.StatusBlocked, start, err.Message, nil)
		return nil, err

	case policy.ActionApprove:
		outcome, err := e.awaitApproval(ctx, inv, decision)
		if err != nil {
			e.record(ctx, inv, audit.StatusError, start, err.Error(), nil)
			return nil, err
		}
		switch outcome {
		case hitl.StatusRejected:
			telemetry.IncHITLDecision("rejected")
			err := errs.Newf(errs.KindHITLRejected, "approval for %s was rejected", tool)
			e.record(ctx, inv, audit.StatusHITLRejected, start, err.Message, nil)
			return nil, err
		case hitl.StatusExpired:
			telemetry.IncHITLDecision("expired")
			err := errs.Newf(errs.KindTimeout, "approval for %s expired before a decision", tool)
			e.record(ctx, inv, audit.StatusHITLExpired, start, err.Message, nil)
			return nil, err
		}
		telemetry.IncHITLDecision("approved")
		return e.execute(ctx, inv, desc, start, audit.StatusHITLApproved)
	}

	return e.execute(ctx, inv, desc, start, audit.StatusSuccess)
}

// awaitApproval parks the invocation in the HITL manager until it is
// decided, expires, or the caller's context is cancelled. The request
// carries the pre-resolution params so secret templates stay unexpanded
// in every approval prompt.
func (e *Engine) awaitApproval(ctx context.Context, inv Invocation, decision policy.Decision) (hitl.Status, error) {
	req := hitl.NewRequest(inv.ID, inv.Category, inv.Name, decision.Reason, inv.Params, inv.CallerContext, decision.TTLSeconds)
	e.hitl.Submit(req)
	return e.hitl.Wait(ctx, req)
}

// execute runs the back half of the pipeline: template expansion, schema
// validation, the handler call, and the terminal audit write.
func (e *Engine) execute(ctx context.Context, inv Invocation, desc *registry.Descriptor, start time.Time, successStatus audit.Status) (any, error) {
	resolved, err := template.ResolveSecrets(inv.Params, e.secrets)
	if err != nil {
		classified := errs.Classify(err)
		e.record(ctx, inv, audit.StatusError, start, classified.Message, nil)
		return nil, classified
	}

	if problems := desc.InputSchema.Validate(resolved); len(problems) > 0 {
		err := errs.Newf(errs.KindInvalidParam, "params do not match %s schema: %s", desc.Coordinates(), problems[0])
		e.record(ctx, inv, audit.StatusError, start, err.Message, nil)
		return nil, err
	}

	result, handlerErr := desc.Handler(ctx, resolved)
	if handlerErr != nil {
		classified := errs.Classify(handlerErr)
		// The caller sees the redacted internal_error message; the audit
		// entry keeps the original for the operator.
		e.record(ctx, inv, audit.StatusError, start, handlerErr.Error(), nil)
		return nil, classified
	}

	e.record(ctx, inv, successStatus, start, "", result)
	return result, nil
}

// record writes the invocation's single audit entry. A failed audit
// write is logged but does not turn a handler success into a caller
// failure; the entry-per-invocation invariant is best-effort only if
// the database itself is gone.
func (e *Engine) record(ctx context.Context, inv Invocation, status audit.Status, start time.Time, errMsg string, response any) {
	duration := time.Since(start)
	telemetry.IncDispatch(inv.Category+"."+inv.Name, string(status))
	telemetry.ObserveDispatchDuration(inv.Category+"."+inv.Name, duration)

	_, err := e.audit.Record(context.WithoutCancel(ctx), audit.RecordInput{
		Protocol:              string(inv.Protocol),
		ToolCategory:          inv.Category,
		ToolName:              inv.Name,
		Status:                status,
		Duration:              duration,
		ErrorMessage:          errMsg,
		RequestParamsTemplate: inv.Params,
		Response:              response,
	})
	if err != nil && e.logger != nil {
		e.logger.Error("audit record failed", "tool", inv.Category+"."+inv.Name, "status", string(status), "err", err)
	}
}

// Dispatch satisfies plan.Dispatcher: it adapts a plan task's request
// into a canonical Invocation and returns the handler result as raw
// JSON for downstream {{task:...}} resolution.
func (e *Engine) Dispatch(ctx context.Context, req plan.DispatchRequest) (json.RawMessage, error) {
	result, err := e.Invoke(ctx, Invocation{
		Category:  req.ToolCategory,
		Name:      req.ToolName,
		Params:    req.Params,
		Protocol:  ProtocolFromContext(ctx),
		ForceHITL: req.RequireHITL,
	})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	return raw, nil
}
