package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/hitl"
	"github.com/hostbridge/hostbridge/internal/plan"
	"github.com/hostbridge/hostbridge/internal/policy"
	"github.com/hostbridge/hostbridge/internal/registry"
	"github.com/hostbridge/hostbridge/internal/storage"
)

type fakeSecrets map[string]string

func (f fakeSecrets) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func (f fakeSecrets) MaskValue(text string) string {
	for _, v := range f {
		text = strings.ReplaceAll(text, v, "[REDACTED]")
	}
	return text
}

type engineFixture struct {
	engine  *Engine
	hitl    *hitl.Manager
	audit   *audit.Store
	calls   *atomic.Int64
	lastArg atomic.Value
}

func newFixture(t *testing.T, rules []policy.Rule, hitlDefault bool) *engineFixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "hostbridge.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &engineFixture{calls: &atomic.Int64{}}
	secretStore := fakeSecrets{"TOKEN": "s3cret"}
	f.audit = audit.NewStore(db, nil, secretStore, 0)
	f.hitl = hitl.NewManager(nil)
	t.Cleanup(f.hitl.Stop)

	reg := registry.New()
	err = reg.Register(&registry.Descriptor{
		Category:    "fs",
		Name:        "write",
		Description: "write a file",
		InputSchema: registry.Schema{
			Type:       "object",
			Properties: map[string]registry.Schema{"path": {Type: "string"}, "content": {Type: "string"}},
			Required:   []string{"path", "content"},
		},
		RequiresHITLDefault: hitlDefault,
		IsToolEndpoint:      true,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			f.calls.Add(1)
			f.lastArg.Store(params)
			return map[string]any{"bytes_written": len(params["content"].(string))}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = reg.Register(&registry.Descriptor{
		Category:       "fs",
		Name:           "fail",
		InputSchema:    registry.Schema{Type: "object"},
		IsToolEndpoint: true,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			f.calls.Add(1)
			return nil, errors.New("disk on fire")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = reg.Register(&registry.Descriptor{
		Category:       "fs",
		Name:           "echoerr",
		InputSchema:    registry.Schema{Type: "object"},
		IsToolEndpoint: true,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			f.calls.Add(1)
			// Mimics a downstream failure that echoes a resolved param back
			// in its error text.
			return nil, fmt.Errorf("upstream rejected request %v", params["content"])
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pol := policy.NewEngine(rules, 1)
	f.engine = New(reg, pol, f.hitl, secretStore, f.audit, nil, 0)
	return f
}

func lastAudit(t *testing.T, store *audit.Store) audit.Entry {
	t.Helper()
	entries, err := store.Query(context.Background(), audit.QueryFilter{Limit: 1})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	return entries[0]
}

func TestInvokeAllowedWritesSuccessAudit(t *testing.T) {
	f := newFixture(t, nil, false)

	result, err := f.engine.Invoke(context.Background(), Invocation{
		Category: "fs", Name: "write", Protocol: ProtocolREST,
		Params: map[string]any{"path": "a.txt", "content": "hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(map[string]any)["bytes_written"] != 2 {
		t.Fatalf("unexpected result: %v", result)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("handler called %d times, want 1", f.calls.Load())
	}

	entry := lastAudit(t, f.audit)
	if entry.Status != audit.StatusSuccess {
		t.Fatalf("audit status = %s, want success", entry.Status)
	}
	if entry.Protocol != "rest" {
		t.Fatalf("audit protocol = %s, want rest", entry.Protocol)
	}
}

func TestInvokeBlockedSkipsHandler(t *testing.T) {
	rules := []policy.Rule{{Category: "fs", Name: "write", Action: policy.ActionBlock, Reason: "writes are disabled"}}
	f := newFixture(t, rules, false)

	_, err := f.engine.Invoke(context.Background(), Invocation{
		Category: "fs", Name: "write",
		Params: map[string]any{"path": "a.txt", "content": "hi"},
	})
	if err == nil {
		t.Fatal("expected block error")
	}
	if errs.Classify(err).Kind != errs.KindBlocked {
		t.Fatalf("kind = %s, want blocked", errs.Classify(err).Kind)
	}
	if f.calls.Load() != 0 {
		t.Fatal("handler must not run for a blocked invocation")
	}
	if entry := lastAudit(t, f.audit); entry.Status != audit.StatusBlocked {
		t.Fatalf("audit status = %s, want blocked", entry.Status)
	}
}

func TestInvokeUnknownToolIsNotFound(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.engine.Invoke(context.Background(), Invocation{Category: "fs", Name: "nope", Params: map[string]any{}})
	if errs.Classify(err).Kind != errs.KindNotFound {
		t.Fatalf("kind = %s, want not_found", errs.Classify(err).Kind)
	}
}

func TestSecretsResolvedAfterPolicyAndRedactedInAudit(t *testing.T) {
	f := newFixture(t, nil, false)

	_, err := f.engine.Invoke(context.Background(), Invocation{
		Category: "fs", Name: "write",
		Params: map[string]any{"path": "a.txt", "content": "token={{secret:TOKEN}}"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.lastArg.Load().(map[string]any)
	if got["content"] != "token=s3cret" {
		t.Fatalf("handler saw %q, want resolved secret", got["content"])
	}

	entry := lastAudit(t, f.audit)
	if strings.Contains(entry.RequestParamsTemplate, "s3cret") {
		t.Fatal("audit entry leaked a resolved secret value")
	}
	if !strings.Contains(entry.RequestParamsTemplate, "{{secret:TOKEN}}") {
		t.Fatal("audit entry should keep the unexpanded template")
	}
}

func TestUnknownSecretKeyFailsInvalidParameter(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.engine.Invoke(context.Background(), Invocation{
		Category: "fs", Name: "write",
		Params: map[string]any{"path": "a.txt", "content": "{{secret:MISSING}}"},
	})
	if errs.Classify(err).Kind != errs.KindInvalidParam {
		t.Fatalf("kind = %s, want invalid_parameter", errs.Classify(err).Kind)
	}
	if f.calls.Load() != 0 {
		t.Fatal("handler must not run when secret resolution fails")
	}
}

func TestSchemaViolationFailsInvalidParameter(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.engine.Invoke(context.Background(), Invocation{
		Category: "fs", Name: "write",
		Params: map[string]any{"path": "a.txt"},
	})
	if errs.Classify(err).Kind != errs.KindInvalidParam {
		t.Fatalf("kind = %s, want invalid_parameter", errs.Classify(err).Kind)
	}
}

func TestUnclassifiedHandlerErrorBecomesInternal(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.engine.Invoke(context.Background(), Invocation{Category: "fs", Name: "fail", Params: map[string]any{}})
	classified := errs.Classify(err)
	if classified.Kind != errs.KindInternal {
		t.Fatalf("kind = %s, want internal_error", classified.Kind)
	}
	if strings.Contains(classified.Message, "disk on fire") {
		t.Fatal("internal error message must be redacted for the caller")
	}
	entry := lastAudit(t, f.audit)
	if entry.ErrorMessage == nil || !strings.Contains(*entry.ErrorMessage, "disk on fire") {
		t.Fatal("audit entry should keep the original handler error")
	}
}

func TestAuditErrorMessageMasksResolvedSecrets(t *testing.T) {
	f := newFixture(t, nil, false)

	_, err := f.engine.Invoke(context.Background(), Invocation{
		Category: "fs", Name: "echoerr",
		Params: map[string]any{"content": "token={{secret:TOKEN}}"},
	})
	if err == nil {
		t.Fatal("expected handler error")
	}

	entry := lastAudit(t, f.audit)
	if entry.ErrorMessage == nil {
		t.Fatal("expected error_message on the audit entry")
	}
	if strings.Contains(*entry.ErrorMessage, "s3cret") {
		t.Fatal("audit error_message leaked a resolved secret value")
	}
	if !strings.Contains(*entry.ErrorMessage, "[REDACTED]") {
		t.Fatalf("expected masked placeholder in error_message, got %q", *entry.ErrorMessage)
	}
}

func TestHITLApprovedRunsHandlerAndAuditsApproved(t *testing.T) {
	rules := []policy.Rule{{Category: "fs", Name: "write", Action: policy.ActionApprove, Reason: "writes need review", TTLSeconds: 30}}
	f := newFixture(t, rules, false)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.Invoke(context.Background(), Invocation{
			Category: "fs", Name: "write",
			Params: map[string]any{"path": "a.conf", "content": "x=1"},
		})
		errCh <- err
	}()

	snap := awaitPending(t, f.hitl)
	if snap.PolicyRuleMatched != "writes need review" {
		t.Fatalf("request carries reason %q", snap.PolicyRuleMatched)
	}
	if _, err := f.hitl.Decide(snap.ID, true, "admin", ""); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error after approval: %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatal("handler should run exactly once after approval")
	}
	if entry := lastAudit(t, f.audit); entry.Status != audit.StatusHITLApproved {
		t.Fatalf("audit status = %s, want hitl_approved", entry.Status)
	}
}

func TestHITLRejectedSkipsHandler(t *testing.T) {
	rules := []policy.Rule{{Category: "fs", Name: "write", Action: policy.ActionApprove, Reason: "review", TTLSeconds: 30}}
	f := newFixture(t, rules, false)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.Invoke(context.Background(), Invocation{
			Category: "fs", Name: "write",
			Params: map[string]any{"path": "a.conf", "content": "x=1"},
		})
		errCh <- err
	}()

	snap := awaitPending(t, f.hitl)
	if _, err := f.hitl.Decide(snap.ID, false, "admin", "no"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	err := <-errCh
	if errs.Classify(err).Kind != errs.KindHITLRejected {
		t.Fatalf("kind = %s, want hitl_rejected", errs.Classify(err).Kind)
	}
	if f.calls.Load() != 0 {
		t.Fatal("handler must not run after rejection")
	}
	if entry := lastAudit(t, f.audit); entry.Status != audit.StatusHITLRejected {
		t.Fatalf("audit status = %s, want hitl_rejected", entry.Status)
	}
}

func TestHITLExpiryReturnsTimeoutKind(t *testing.T) {
	rules := []policy.Rule{{Category: "fs", Name: "write", Action: policy.ActionApprove, Reason: "review", TTLSeconds: 1}}
	f := newFixture(t, rules, false)

	_, err := f.engine.Invoke(context.Background(), Invocation{
		Category: "fs", Name: "write",
		Params: map[string]any{"path": "a.conf", "content": "x=1"},
	})
	if errs.Classify(err).Kind != errs.KindTimeout {
		t.Fatalf("kind = %s, want timeout", errs.Classify(err).Kind)
	}
	if f.calls.Load() != 0 {
		t.Fatal("handler must not run after expiry")
	}
	if entry := lastAudit(t, f.audit); entry.Status != audit.StatusHITLExpired {
		t.Fatalf("audit status = %s, want hitl_expired", entry.Status)
	}
}

func TestCancelledHITLWaitAuditsError(t *testing.T) {
	rules := []policy.Rule{{Category: "fs", Name: "write", Action: policy.ActionApprove, Reason: "review", TTLSeconds: 60}}
	f := newFixture(t, rules, false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.Invoke(ctx, Invocation{
			Category: "fs", Name: "write",
			Params: map[string]any{"path": "a.conf", "content": "x=1"},
		})
		errCh <- err
	}()

	awaitPending(t, f.hitl)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatal("expected error after caller cancellation")
	}
	if f.calls.Load() != 0 {
		t.Fatal("handler must not run after caller cancellation")
	}
	if entry := lastAudit(t, f.audit); entry.Status != audit.StatusError {
		t.Fatalf("audit status = %s, want error", entry.Status)
	}
}

func TestForceHITLOverridesAllow(t *testing.T) {
	f := newFixture(t, nil, false)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.Dispatch(context.Background(), plan.DispatchRequest{
			ToolCategory: "fs", ToolName: "write",
			Params:      map[string]any{"path": "a.txt", "content": "hi"},
			RequireHITL: true,
		})
		errCh <- err
	}()

	snap := awaitPending(t, f.hitl)
	if _, err := f.hitl.Decide(snap.ID, true, "admin", ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatal("handler should run once after forced approval")
	}
}

func awaitPending(t *testing.T, m *hitl.Manager) hitl.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snaps := m.ListPending(); len(snaps) > 0 {
			return snaps[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a pending hitl request")
	return hitl.Snapshot{}
}
