// Package plan implements the Plan Executor: an in-memory DAG of tasks,
// each an invocation handed to the Dispatch Engine, scheduled level by
// level with configurable per-task failure policies.
package plan

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/template"
)

// FailurePolicy controls how a task failure affects the rest of the plan.
type FailurePolicy string

const (
	Stop           FailurePolicy = "stop"
	SkipDependents FailurePolicy = "skip_dependents"
	Continue       FailurePolicy = "continue"
)

// PlanStatus is the plan's top-level state.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// TaskStatus is a single task's state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskInput is the creation-time description of one task.
type TaskInput struct {
	ID           string
	Name         string
	ToolCategory string
	ToolName     string
	Params       map[string]any
	DependsOn    []string
	RequireHITL  *bool
	OnFailure    *FailurePolicy
}

// Task is one scheduled unit of work within a plan.
type Task struct {
	ID           string
	Name         string
	ToolCategory string
	ToolName     string
	Params       map[string]any
	DependsOn    []string
	RequireHITL  *bool
	OnFailure    *FailurePolicy

	Status    TaskStatus
	Output    json.RawMessage
	Error     string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Plan is an in-memory DAG of tasks submitted to the Plan Executor.
type Plan struct {
	ID               string
	Name             string
	OnFailureDefault FailurePolicy
	Status           PlanStatus

	mu     sync.Mutex
	tasks  map[string]*Task
	levels [][]string // task ids, grouped by topological level
	cancel context.CancelFunc
}

// Tasks returns a stable, level-ordered snapshot of the plan's tasks.
func (p *Plan) Tasks() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Task, 0, len(p.tasks))
	for _, level := range p.levels {
		for _, id := range level {
			out = append(out, *p.tasks[id])
		}
	}
	return out
}

// Levels returns the level-indexed execution order: task ids grouped by
// topological level, as assigned at creation. Tasks within one inner
// slice run concurrently.
func (p *Plan) Levels() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.levels))
	for i, level := range p.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Counts summarizes task statuses for plan_status responses.
func (p *Plan) Counts() map[TaskStatus]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := map[TaskStatus]int{}
	for _, t := range p.tasks {
		counts[t.Status]++
	}
	return counts
}

// DispatchRequest is the shape the Plan Executor hands to the Dispatch
// Engine for one task invocation.
type DispatchRequest struct {
	ToolCategory string
	ToolName     string
	Params       map[string]any
	RequireHITL  bool
}

// Dispatcher is the Dispatch Engine's entry point, as consumed by the
// Plan Executor. Implemented by the dispatch package's Engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error)
}

// Executor holds every in-memory plan and drives their execution.
type Executor struct {
	mu         sync.RWMutex
	plans      map[string]*Plan
	dispatcher Dispatcher
}

// NewExecutor wires the Plan Executor to the Dispatch Engine.
func NewExecutor(dispatcher Dispatcher) *Executor {
	return &Executor{plans: map[string]*Plan{}, dispatcher: dispatcher}
}

// Create validates the task DAG (rejecting cycles and dangling
// dependencies), assigns each task a topological level via Kahn's
// algorithm, and registers the plan.
func (ex *Executor) Create(name string, onFailureDefault FailurePolicy, inputs []TaskInput) (*Plan, error) {
	if onFailureDefault == "" {
		onFailureDefault = Stop
	}
	taskSet := make(map[string]*Task, len(inputs))
	for _, in := range inputs {
		if in.ID == "" {
			return nil, errs.New(errs.KindInvalidParam, "task id must not be empty")
		}
		if _, dup := taskSet[in.ID]; dup {
			return nil, errs.Newf(errs.KindInvalidParam, "duplicate task id %q", in.ID)
		}
		taskSet[in.ID] = &Task{
			ID: in.ID, Name: in.Name, ToolCategory: in.ToolCategory, ToolName: in.ToolName,
			Params: in.Params, DependsOn: in.DependsOn, RequireHITL: in.RequireHITL,
			OnFailure: in.OnFailure, Status: TaskPending,
		}
	}
	for _, t := range taskSet {
		for _, dep := range t.DependsOn {
			if _, ok := taskSet[dep]; !ok {
				return nil, errs.Newf(errs.KindInvalidParam, "task %q depends on undefined task %q", t.ID, dep)
			}
		}
	}

	levels, err := assignLevels(taskSet)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID: uuid.New().String(), Name: name, OnFailureDefault: onFailureDefault,
		Status: PlanPending, tasks: taskSet, levels: levels,
	}
	ex.mu.Lock()
	ex.plans[plan.ID] = plan
	ex.mu.Unlock()
	return plan, nil
}

// assignLevels topologically sorts the task set via Kahn's algorithm and
// assigns each task the smallest level exceeding every dependency's
// level. A cycle is reported as the Kahn sort failing to consume every
// node.
func assignLevels(tasks map[string]*Task) ([][]string, error) {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for id, t := range tasks {
		indegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var topoOrder []string
	level := make(map[string]int, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		topoOrder = append(topoOrder, id)

		maxDepLevel := -1
		for _, dep := range tasks[id].DependsOn {
			if level[dep] > maxDepLevel {
				maxDepLevel = level[dep]
			}
		}
		level[id] = maxDepLevel + 1

		var freed []string
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				freed = append(freed, d)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(topoOrder) != len(tasks) {
		return nil, errs.New(errs.KindInvalidParam, "task graph contains a cycle")
	}

	maxLevel := 0
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]string, maxLevel+1)
	for id, l := range level {
		levels[l] = append(levels[l], id)
	}
	for _, l := range levels {
		sort.Strings(l)
	}
	return levels, nil
}

// Resolve looks a plan up by id first, then by name. A name resolves
// only when exactly one plan carries it; ambiguity fails invalid_parameter.
func (ex *Executor) Resolve(ref string) (*Plan, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	if p, ok := ex.plans[ref]; ok {
		return p, nil
	}
	var matches []*Plan
	for _, p := range ex.plans {
		if p.Name == ref {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errs.Newf(errs.KindNotFound, "no plan with id or unique name %q", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, errs.Newf(errs.KindInvalidParam, "plan name %q is ambiguous across %d plans", ref, len(matches))
	}
}

// List returns every plan currently held by the executor.
func (ex *Executor) List() []*Plan {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	out := make([]*Plan, 0, len(ex.plans))
	for _, p := range ex.plans {
		out = append(out, p)
	}
	return out
}

// outputLookup adapts a plan's completed task outputs to
// template.TaskLookup.
type outputLookup struct {
	plan *Plan
}

func (o outputLookup) TaskOutput(taskID string) (json.RawMessage, bool) {
	o.plan.mu.Lock()
	defer o.plan.mu.Unlock()
	t, ok := o.plan.tasks[taskID]
	if !ok || t.Status != TaskCompleted {
		return nil, false
	}
	return t.Output, true
}

// Execute runs the plan level by level. Tasks within a level run
// concurrently; a level boundary is a barrier — every task in level N
// reaches a terminal status before any task in level N+1 starts.
func (ex *Executor) Execute(ctx context.Context, planRef string) error {
	p, err := ex.Resolve(planRef)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.Status != PlanPending {
		status := p.Status
		p.mu.Unlock()
		return errs.Newf(errs.KindInvalidParam, "plan %q is %s, not pending", p.ID, status)
	}
	p.Status = PlanRunning
	execCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	stopped := false
	for _, level := range p.levels {
		if stopped || execCtx.Err() != nil {
			break
		}
		g, _ := errgroup.WithContext(execCtx)
		for _, taskID := range level {
			taskID := taskID
			g.Go(func() error {
				ex.runTask(execCtx, p, taskID, cancel, &stopped)
				return nil
			})
		}
		g.Wait()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status == PlanCancelled {
		return nil
	}
	anyFailed := false
	for _, t := range p.tasks {
		if t.Status == TaskFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		p.Status = PlanFailed
	} else {
		p.Status = PlanCompleted
	}
	return nil
}

func (ex *Executor) runTask(ctx context.Context, p *Plan, taskID string, cancel context.CancelFunc, stopped *bool) {
	p.mu.Lock()
	t := p.tasks[taskID]
	if t.Status != TaskPending || ctx.Err() != nil {
		if t.Status == TaskPending {
			t.Status = TaskSkipped
		}
		p.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.StartedAt = &now
	t.Status = TaskRunning
	params := t.Params
	requireHITL := t.RequireHITL != nil && *t.RequireHITL
	p.mu.Unlock()

	resolved, err := template.ResolveTaskRefs(params, outputLookup{plan: p})
	if err == nil {
		var raw json.RawMessage
		raw, err = ex.dispatcher.Dispatch(ctx, DispatchRequest{
			ToolCategory: t.ToolCategory, ToolName: t.ToolName, Params: resolved, RequireHITL: requireHITL,
		})
		if err == nil {
			ex.finishTask(p, taskID, raw, "", TaskCompleted, cancel, stopped)
			return
		}
	}
	// Task errors surface in plan_status responses; use the classified
	// kind and message, never the raw cause chain.
	classified := errs.Classify(err)
	ex.finishTask(p, taskID, nil, string(classified.Kind)+": "+classified.Message, TaskFailed, cancel, stopped)
}

func (ex *Executor) finishTask(p *Plan, taskID string, output json.RawMessage, taskErr string, status TaskStatus, cancel context.CancelFunc, stopped *bool) {
	p.mu.Lock()
	t := p.tasks[taskID]
	now := time.Now().UTC()
	t.EndedAt = &now
	if p.Status == PlanCancelled {
		// Cancel ran while this task was in flight; it ends skipped.
		t.Status = TaskSkipped
		p.mu.Unlock()
		return
	}
	t.Status = status
	t.Output = output
	t.Error = taskErr

	if status != TaskFailed {
		p.mu.Unlock()
		return
	}

	policy := p.OnFailureDefault
	if t.OnFailure != nil {
		policy = *t.OnFailure
	}
	switch policy {
	case Stop:
		*stopped = true
		for id, other := range p.tasks {
			if id != taskID && other.Status == TaskPending {
				other.Status = TaskSkipped
			}
		}
		p.mu.Unlock()
		cancel()
	case SkipDependents:
		for _, depID := range p.transitiveDependentsLocked(taskID) {
			if other := p.tasks[depID]; other.Status == TaskPending {
				other.Status = TaskSkipped
			}
		}
		p.mu.Unlock()
	default: // Continue
		p.mu.Unlock()
	}
}

// transitiveDependentsLocked returns every task reachable by following
// depends_on edges forward from taskID. Caller must hold p.mu.
func (p *Plan) transitiveDependentsLocked(taskID string) []string {
	dependents := map[string][]string{}
	for id, t := range p.tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	visited := map[string]bool{}
	queue := []string{taskID}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range dependents[id] {
			if !visited[d] {
				visited[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	return out
}

// Cancel transitions a running or pending plan to cancelled: pending
// tasks become skipped at once, and in-flight dispatch calls have their
// context cancelled, their tasks ending skipped when the call returns.
// Already-committed side effects are not
// rolled back. A cancelled plan cannot be re-executed.
func (ex *Executor) Cancel(planRef string) error {
	p, err := ex.Resolve(planRef)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status == PlanCompleted || p.Status == PlanFailed || p.Status == PlanCancelled {
		return errs.Newf(errs.KindInvalidParam, "plan %q already reached terminal status %s", p.ID, p.Status)
	}
	for _, t := range p.tasks {
		if t.Status == TaskPending {
			t.Status = TaskSkipped
		}
	}
	p.Status = PlanCancelled
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
