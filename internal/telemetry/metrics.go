// Package telemetry keeps in-process counters for dispatch activity and
// exposes the tracer the dispatch engine wraps each invocation in.
// Counters render in Prometheus text format for the admin surface; no
// exporter is wired here — telemetry transport stays outside the core,
// only the instrumentation points live in it.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = newRegistry()

type registry struct {
	mu                  sync.Mutex
	dispatches          map[string]map[string]int64 // "category.name" → audit status → count
	dispatchBuckets     map[string][]int64
	hitlDecisions       map[string]int64
	planExecutions      map[string]int64
	notificationDrops   int64
	auditSweepDeletions int64
}

func newRegistry() *registry {
	return &registry{
		dispatches:      make(map[string]map[string]int64),
		dispatchBuckets: make(map[string][]int64),
		hitlDecisions:   make(map[string]int64),
		planExecutions:  make(map[string]int64),
	}
}

// Tracer returns the tracer dispatch invocations are spanned with. The
// global provider is a no-op unless the embedding process installs one.
func Tracer() trace.Tracer {
	return otel.Tracer("hostbridge/dispatch")
}

// IncDispatch counts one completed dispatch for tool ("category.name")
// with its terminal audit status.
func IncDispatch(tool, status string) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.dispatches[tool]; !ok {
		defaultRegistry.dispatches[tool] = make(map[string]int64)
	}
	defaultRegistry.dispatches[tool][status]++
}

// ObserveDispatchDuration buckets one dispatch's wall time, including
// any HITL wait.
func ObserveDispatchDuration(tool string, d time.Duration) {
	buckets := []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	sec := d.Seconds()

	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.dispatchBuckets[tool]; !ok {
		defaultRegistry.dispatchBuckets[tool] = make([]int64, len(buckets)+1)
	}
	idx := len(buckets)
	for i, b := range buckets {
		if sec <= b {
			idx = i
			break
		}
	}
	defaultRegistry.dispatchBuckets[tool][idx]++
}

// IncHITLDecision counts one HITL outcome: approved, rejected, or expired.
func IncHITLDecision(outcome string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.hitlDecisions[outcome]++
	defaultRegistry.mu.Unlock()
}

// IncPlanExecution counts one plan reaching a terminal status.
func IncPlanExecution(status string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.planExecutions[status]++
	defaultRegistry.mu.Unlock()
}

// IncNotificationDrop counts one event dropped because a subscriber's
// queue was full.
func IncNotificationDrop() {
	defaultRegistry.mu.Lock()
	defaultRegistry.notificationDrops++
	defaultRegistry.mu.Unlock()
}

// AddAuditSweepDeletions accumulates rows removed by the retention sweep.
func AddAuditSweepDeletions(n int64) {
	defaultRegistry.mu.Lock()
	defaultRegistry.auditSweepDeletions += n
	defaultRegistry.mu.Unlock()
}

func RenderPrometheus() string {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	var sb strings.Builder

	sb.WriteString("# TYPE hostbridge_dispatch_total counter\n")
	for _, tool := range sortedKeys(defaultRegistry.dispatches) {
		for _, status := range sortedKeys(defaultRegistry.dispatches[tool]) {
			sb.WriteString(fmt.Sprintf("hostbridge_dispatch_total{tool=\"%s\",status=\"%s\"} %d\n", tool, status, defaultRegistry.dispatches[tool][status]))
		}
	}

	sb.WriteString("# TYPE hostbridge_dispatch_duration_seconds_bucket counter\n")
	bucketLabels := []string{"0.1", "0.5", "1", "2", "5", "10", "30", "60", "+Inf"}
	for _, tool := range sortedKeys(defaultRegistry.dispatchBuckets) {
		counts := defaultRegistry.dispatchBuckets[tool]
		for i, v := range counts {
			sb.WriteString(fmt.Sprintf("hostbridge_dispatch_duration_seconds_bucket{tool=\"%s\",le=\"%s\"} %d\n", tool, bucketLabels[i], v))
		}
	}

	sb.WriteString("# TYPE hostbridge_hitl_decisions_total counter\n")
	for _, outcome := range sortedKeys(defaultRegistry.hitlDecisions) {
		sb.WriteString(fmt.Sprintf("hostbridge_hitl_decisions_total{outcome=\"%s\"} %d\n", outcome, defaultRegistry.hitlDecisions[outcome]))
	}

	sb.WriteString("# TYPE hostbridge_plan_executions_total counter\n")
	for _, status := range sortedKeys(defaultRegistry.planExecutions) {
		sb.WriteString(fmt.Sprintf("hostbridge_plan_executions_total{status=\"%s\"} %d\n", status, defaultRegistry.planExecutions[status]))
	}

	sb.WriteString("# TYPE hostbridge_notification_drops_total counter\n")
	sb.WriteString(fmt.Sprintf("hostbridge_notification_drops_total %d\n", defaultRegistry.notificationDrops))

	sb.WriteString("# TYPE hostbridge_audit_sweep_deletions_total counter\n")
	sb.WriteString(fmt.Sprintf("hostbridge_audit_sweep_deletions_total %d\n", defaultRegistry.auditSweepDeletions))

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
