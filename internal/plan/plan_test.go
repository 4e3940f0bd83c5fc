package plan

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeDispatcher lets tests script per-(category,name) outcomes and
// records the params each invocation actually received.
type fakeDispatcher struct {
	mu    sync.Mutex
	fail  map[string]bool
	delay map[string]time.Duration
	seen  map[string]map[string]any
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fail: map[string]bool{}, delay: map[string]time.Duration{}, seen: map[string]map[string]any{}}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error) {
	key := req.ToolCategory + "." + req.ToolName
	f.mu.Lock()
	f.seen[key] = req.Params
	delay := f.delay[key]
	shouldFail := f.fail[key]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail {
		return nil, errInjected
	}
	out, _ := json.Marshal(map[string]any{"bytes_written": 2})
	return out, nil
}

var errInjected = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "injected failure" }

func TestCreateRejectsUndefinedDependency(t *testing.T) {
	ex := NewExecutor(newFakeDispatcher())
	_, err := ex.Create("p", Stop, []TaskInput{
		{ID: "A", DependsOn: []string{"B"}},
	})
	if err == nil {
		t.Fatal("expected error for undefined dependency")
	}
}

func TestCreateRejectsCycle(t *testing.T) {
	ex := NewExecutor(newFakeDispatcher())
	_, err := ex.Create("p", Stop, []TaskInput{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	})
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestCreateAssignsLevels(t *testing.T) {
	ex := NewExecutor(newFakeDispatcher())
	p, err := ex.Create("p", Stop, []TaskInput{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %+v", len(p.levels), p.levels)
	}
	if len(p.levels[0]) != 1 || p.levels[0][0] != "A" {
		t.Fatalf("expected level 0 == [A], got %+v", p.levels[0])
	}
	if len(p.levels[1]) != 2 {
		t.Fatalf("expected level 1 to contain B and C, got %+v", p.levels[1])
	}
}

func TestResolveByIDAndUniqueName(t *testing.T) {
	ex := NewExecutor(newFakeDispatcher())
	p, _ := ex.Create("myplan", Stop, []TaskInput{{ID: "A"}})

	byID, err := ex.Resolve(p.ID)
	if err != nil || byID.ID != p.ID {
		t.Fatalf("expected resolve by id to succeed: %v", err)
	}
	byName, err := ex.Resolve("myplan")
	if err != nil || byName.ID != p.ID {
		t.Fatalf("expected resolve by unique name to succeed: %v", err)
	}
}

func TestResolveAmbiguousNameFails(t *testing.T) {
	ex := NewExecutor(newFakeDispatcher())
	ex.Create("dup", Stop, []TaskInput{{ID: "A"}})
	ex.Create("dup", Stop, []TaskInput{{ID: "B"}})

	_, err := ex.Resolve("dup")
	if err == nil {
		t.Fatal("expected ambiguous name to fail")
	}
}

func TestExecuteParallelWithTaskRef(t *testing.T) {
	d := newFakeDispatcher()
	ex := NewExecutor(d)
	p, err := ex.Create("p", Stop, []TaskInput{
		{ID: "A", ToolCategory: "fs", ToolName: "write", Params: map[string]any{"path": "a.txt", "content": "hi"}},
		{ID: "B", ToolCategory: "fs", ToolName: "write", DependsOn: []string{"A"},
			Params: map[string]any{"path": "b.txt", "content": "{{task:A.bytes_written}}"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ex.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if p.Status != PlanCompleted {
		t.Fatalf("expected plan completed, got %s", p.Status)
	}
	bParams := d.seen["fs.write"]
	if bParams["content"] != float64(2) {
		t.Fatalf("expected B's content to resolve to A's bytes_written, got %+v", bParams)
	}
}

func TestExecuteStopPolicySkipsPending(t *testing.T) {
	d := newFakeDispatcher()
	d.fail["shell.run"] = true
	ex := NewExecutor(d)
	p, _ := ex.Create("p", Stop, []TaskInput{
		{ID: "A", ToolCategory: "shell", ToolName: "run"},
		{ID: "B", ToolCategory: "fs", ToolName: "write", DependsOn: []string{"A"}},
	})
	if err := ex.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if p.Status != PlanFailed {
		t.Fatalf("expected plan failed, got %s", p.Status)
	}
	tasks := map[string]Task{}
	for _, tk := range p.Tasks() {
		tasks[tk.ID] = tk
	}
	if tasks["A"].Status != TaskFailed {
		t.Fatalf("expected A failed, got %s", tasks["A"].Status)
	}
	if tasks["B"].Status != TaskSkipped {
		t.Fatalf("expected B skipped under stop policy, got %s", tasks["B"].Status)
	}
}

func TestExecuteSkipDependentsPolicy(t *testing.T) {
	d := newFakeDispatcher()
	d.fail["shell.run"] = true
	ex := NewExecutor(d)
	skipPolicy := SkipDependents
	p, _ := ex.Create("p", skipPolicy, []TaskInput{
		{ID: "A", ToolCategory: "shell", ToolName: "run"},
		{ID: "B", ToolCategory: "fs", ToolName: "write", DependsOn: []string{"A"}},
		{ID: "C", ToolCategory: "fs", ToolName: "read"},
	})
	if err := ex.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if p.Status != PlanFailed {
		t.Fatalf("expected plan failed, got %s", p.Status)
	}
	tasks := map[string]Task{}
	for _, tk := range p.Tasks() {
		tasks[tk.ID] = tk
	}
	if tasks["A"].Status != TaskFailed {
		t.Fatalf("expected A failed, got %s", tasks["A"].Status)
	}
	if tasks["B"].Status != TaskSkipped {
		t.Fatalf("expected B skipped (dependent of failed A), got %s", tasks["B"].Status)
	}
	if tasks["C"].Status != TaskCompleted {
		t.Fatalf("expected independent C to complete, got %s", tasks["C"].Status)
	}
}

func TestExecuteContinuePolicyRunsEverything(t *testing.T) {
	d := newFakeDispatcher()
	d.fail["shell.run"] = true
	ex := NewExecutor(d)
	p, _ := ex.Create("p", Continue, []TaskInput{
		{ID: "A", ToolCategory: "shell", ToolName: "run"},
		{ID: "C", ToolCategory: "fs", ToolName: "read"},
	})
	if err := ex.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if p.Status != PlanFailed {
		t.Fatalf("expected plan failed since A failed, got %s", p.Status)
	}
	tasks := map[string]Task{}
	for _, tk := range p.Tasks() {
		tasks[tk.ID] = tk
	}
	if tasks["C"].Status != TaskCompleted {
		t.Fatalf("expected C to still run under continue policy, got %s", tasks["C"].Status)
	}
}

func TestCancelMarksPendingTasksSkipped(t *testing.T) {
	d := newFakeDispatcher()
	d.delay["shell.run"] = 200 * time.Millisecond
	ex := NewExecutor(d)
	p, _ := ex.Create("p", Stop, []TaskInput{
		{ID: "A", ToolCategory: "shell", ToolName: "run"},
		{ID: "B", ToolCategory: "fs", ToolName: "write", DependsOn: []string{"A"}},
	})

	done := make(chan error, 1)
	go func() { done <- ex.Execute(context.Background(), p.ID) }()
	time.Sleep(20 * time.Millisecond)

	if err := ex.Cancel(p.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	<-done

	if p.Status != PlanCancelled {
		t.Fatalf("expected plan cancelled, got %s", p.Status)
	}
	if p.tasks["B"].Status != TaskSkipped {
		t.Fatalf("expected pending task B skipped, got %s", p.tasks["B"].Status)
	}
}

func TestCancelRejectsAlreadyTerminalPlan(t *testing.T) {
	ex := NewExecutor(newFakeDispatcher())
	p, _ := ex.Create("p", Stop, []TaskInput{{ID: "A", ToolCategory: "fs", ToolName: "write"}})
	if err := ex.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := ex.Cancel(p.ID); err == nil {
		t.Fatal("expected cancel on a completed plan to fail")
	}
}
