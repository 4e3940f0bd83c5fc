// Package hitl implements the Human-in-the-loop Manager: a thread-safe
// table of pending approval requests, each with a rendezvous channel
// the submitting caller blocks on until a decision or expiry.
package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/internal/errs"
)

// Status is the HITL Request state machine: pending → approved | rejected | expired.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is one pending (or decided) approval request.
type Request struct {
	ID                string
	CreatedAt         time.Time
	TTLSeconds        int
	ToolCategory      string
	ToolName          string
	PolicyRuleMatched string
	RequestParams     map[string]any // pre-resolution form; secrets remain as {{secret:KEY}}
	RequestContext    map[string]any

	mu           sync.Mutex
	status       Status
	reviewedBy   string
	reviewedAt   *time.Time
	reviewerNote string
	done         chan struct{}
}

// Snapshot is the read-only view exposed to callers outside this package.
type Snapshot struct {
	ID                string         `json:"id"`
	CreatedAt         time.Time      `json:"created_at"`
	TTLSeconds        int            `json:"ttl_seconds"`
	ToolCategory      string         `json:"tool_category"`
	ToolName          string         `json:"tool_name"`
	PolicyRuleMatched string         `json:"policy_rule_matched"`
	RequestParams     map[string]any `json:"request_params"`
	RequestContext    map[string]any `json:"request_context"`
	Status            Status         `json:"status"`
	ReviewedBy        string         `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time     `json:"reviewed_at,omitempty"`
	ReviewerNote      string         `json:"reviewer_note,omitempty"`
}

func (r *Request) deadline() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// snapshot must be called with r.mu held.
func (r *Request) snapshotLocked() Snapshot {
	return Snapshot{
		ID: r.ID, CreatedAt: r.CreatedAt, TTLSeconds: r.TTLSeconds,
		ToolCategory: r.ToolCategory, ToolName: r.ToolName,
		PolicyRuleMatched: r.PolicyRuleMatched,
		RequestParams:     r.RequestParams, RequestContext: r.RequestContext,
		Status: r.status, ReviewedBy: r.reviewedBy, ReviewedAt: r.reviewedAt,
		ReviewerNote: r.reviewerNote,
	}
}

// expireLocked must be called with r.mu held. It is the single place
// that transitions a request to expired, closing the rendezvous channel
// exactly once.
func (r *Request) expireLocked() {
	if r.status != StatusPending {
		return
	}
	r.status = StatusExpired
	close(r.done)
}

// EventSink receives HITL lifecycle events for the Notification Bus.
// Defined here (not imported from notify) to avoid a dependency cycle;
// *notify.Bus satisfies it.
type EventSink interface {
	PublishHITL(eventType string, snapshot Snapshot)
}

// Manager holds the pending-request table.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	sink     EventSink

	stopCh chan struct{}
}

// NewManager constructs a Manager and starts its background expiry
// sweep. sink may be nil if no notification bus is wired yet.
func NewManager(sink EventSink) *Manager {
	m := &Manager{
		requests: make(map[string]*Request),
		sink:     sink,
		stopCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the background sweep.
func (m *Manager) Stop() { close(m.stopCh) }

// NewRequest builds a pending Request ready for Submit. id is supplied
// by the caller so it can equal the originating Invocation's id.
func NewRequest(id, category, name, policyRuleMatched string, params, reqContext map[string]any, ttlSeconds int) *Request {
	return &Request{
		ID:                id,
		CreatedAt:         time.Now(),
		TTLSeconds:        ttlSeconds,
		ToolCategory:      category,
		ToolName:          name,
		PolicyRuleMatched: policyRuleMatched,
		RequestParams:     params,
		RequestContext:    reqContext,
		status:            StatusPending,
		done:              make(chan struct{}),
	}
}

// Submit inserts req with status pending and broadcasts a "created"
// event. The HITL created event happens-before any waiter can observe
// the request via ListPending, because both run under m.mu.
func (m *Manager) Submit(req *Request) {
	m.mu.Lock()
	m.requests[req.ID] = req
	m.mu.Unlock()

	if m.sink != nil {
		req.mu.Lock()
		snap := req.snapshotLocked()
		req.mu.Unlock()
		m.sink.PublishHITL("created", snap)
	}
}

// Wait blocks until req leaves pending (decision, expiry) or ctx is
// cancelled. A cancelled wait unparks and returns a local error without
// ever touching req's status — the handler is never invoked in that
// path, matching the dispatch contract.
func (m *Manager) Wait(ctx context.Context, req *Request) (Status, error) {
	remaining := time.Until(req.deadline())
	if remaining <= 0 {
		m.forceExpire(req)
		return StatusExpired, nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-req.done:
		req.mu.Lock()
		st := req.status
		req.mu.Unlock()
		return st, nil
	case <-timer.C:
		m.forceExpire(req)
		return StatusExpired, nil
	case <-ctx.Done():
		return StatusPending, errs.Wrap(errs.KindTimeout, ctx.Err())
	}
}

func (m *Manager) forceExpire(req *Request) {
	req.mu.Lock()
	wasPending := req.status == StatusPending
	req.expireLocked()
	snap := req.snapshotLocked()
	req.mu.Unlock()
	if wasPending && m.sink != nil {
		m.sink.PublishHITL("updated", snap)
	}
}

// Decide transitions id from pending to approved or rejected. It fails
// with not_found if the id is absent or has already left pending
// (including having expired underneath the caller).
func (m *Manager) Decide(id string, approve bool, reviewer, note string) (Snapshot, error) {
	m.mu.Lock()
	req, ok := m.requests[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, errs.Newf(errs.KindNotFound, "hitl request %q not found", id)
	}

	req.mu.Lock()
	if isPendingButExpiredLocked(req) {
		req.expireLocked()
	}
	if req.status != StatusPending {
		snap := req.snapshotLocked()
		req.mu.Unlock()
		return Snapshot{}, errs.Newf(errs.KindNotFound, "hitl request %q already %s", id, snap.Status)
	}

	now := time.Now()
	if approve {
		req.status = StatusApproved
	} else {
		req.status = StatusRejected
	}
	req.reviewedBy = reviewer
	req.reviewedAt = &now
	req.reviewerNote = note
	close(req.done)
	snap := req.snapshotLocked()
	req.mu.Unlock()

	if m.sink != nil {
		m.sink.PublishHITL("updated", snap)
	}
	return snap, nil
}

func expiredByDeadlineLocked(req *Request) bool { return time.Now().After(req.deadline()) || time.Now().Equal(req.deadline()) }
func isPendingButExpiredLocked(req *Request) bool {
	return req.status == StatusPending && expiredByDeadlineLocked(req)
}

// ListPending returns a snapshot of every request currently pending,
// lazily expiring any whose TTL has elapsed.
func (m *Manager) ListPending() []Snapshot {
	m.mu.Lock()
	reqs := make([]*Request, 0, len(m.requests))
	for _, r := range m.requests {
		reqs = append(reqs, r)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(reqs))
	for _, r := range reqs {
		r.mu.Lock()
		if isPendingButExpiredLocked(r) {
			r.expireLocked()
		}
		if r.status == StatusPending {
			out = append(out, r.snapshotLocked())
		}
		r.mu.Unlock()
	}
	return out
}

// Snapshot returns the current state of id, or false if unknown.
func (m *Manager) Snapshot(id string) (Snapshot, bool) {
	m.mu.Lock()
	r, ok := m.requests[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if isPendingButExpiredLocked(r) {
		r.expireLocked()
	}
	return r.snapshotLocked(), true
}

// NewID generates an opaque HITL request id (shared with the
// originating Invocation's id per the data model's invariant).
func NewID() string { return uuid.New().String() }

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
			m.sweepOld()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	reqs := make([]*Request, 0, len(m.requests))
	for _, r := range m.requests {
		reqs = append(reqs, r)
	}
	m.mu.Unlock()

	for _, r := range reqs {
		r.mu.Lock()
		wasPending := isPendingButExpiredLocked(r)
		if wasPending {
			r.expireLocked()
		}
		snap := r.snapshotLocked()
		r.mu.Unlock()
		if wasPending && m.sink != nil {
			m.sink.PublishHITL("updated", snap)
		}
	}
}

// sweepOld drops decided/expired requests older than an hour to keep
// the in-memory table bounded, since HITL state is never persisted.
func (m *Manager) sweepOld() {
	cutoff := time.Now().Add(-1 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.requests {
		r.mu.Lock()
		terminal := r.status != StatusPending
		old := r.reviewedAt != nil && r.reviewedAt.Before(cutoff)
		oldExpired := r.status == StatusExpired && r.deadline().Before(cutoff)
		r.mu.Unlock()
		if terminal && (old || oldExpired) {
			delete(m.requests, id)
		}
	}
}
