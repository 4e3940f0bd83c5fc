// Package notify implements the Notification Bus: two broadcast
// channels (HITL and audit) that push state-transition events to
// subscribers. Delivery is best-effort — a subscriber that falls behind
// has events dropped rather than blocking the publisher, since
// in-memory state (the HITL table, the audit store) remains
// authoritative and a reconnecting subscriber can always re-snapshot.
package notify

import (
	"sync"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/hitl"
	"github.com/hostbridge/hostbridge/internal/telemetry"
)

const subscriberBuffer = 64

// HITLEvent is one HITL lifecycle transition, as broadcast to subscribers.
type HITLEvent struct {
	Type     string // "created" | "updated"
	Snapshot hitl.Snapshot
}

// HITLSnapshotSource supplies the current pending-request snapshot a
// newly connected HITL subscriber receives before incremental events.
type HITLSnapshotSource interface {
	ListPending() []hitl.Snapshot
}

// Bus fans published HITL and audit events out to subscribers. The zero
// value is not usable; construct with New.
type Bus struct {
	mu         sync.Mutex
	hitlSubs   map[int]chan HITLEvent
	auditSubs  map[int]chan audit.Entry
	nextID     int
	pendingSrc HITLSnapshotSource
}

// New wires the bus to the HITL manager so new subscribers can be
// handed a consistent pending-request snapshot at subscribe time.
func New(pendingSrc HITLSnapshotSource) *Bus {
	return &Bus{
		hitlSubs:   map[int]chan HITLEvent{},
		auditSubs:  map[int]chan audit.Entry{},
		pendingSrc: pendingSrc,
	}
}

// SetPendingSource late-binds the snapshot source. The bus must exist
// before the HITL manager (the manager takes the bus as its event
// sink), so the composition root closes the loop with this setter.
func (b *Bus) SetPendingSource(src HITLSnapshotSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingSrc = src
}

// PublishHITL satisfies hitl.EventSink: it broadcasts one lifecycle
// transition to every current HITL subscriber.
func (b *Bus) PublishHITL(eventType string, snap hitl.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := HITLEvent{Type: eventType, Snapshot: snap}
	for _, ch := range b.hitlSubs {
		select {
		case ch <- ev:
		default:
			telemetry.IncNotificationDrop()
		}
	}
}

// PublishAudit satisfies audit.EventSink: it broadcasts a newly written
// audit entry to every current audit subscriber.
func (b *Bus) PublishAudit(entry audit.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.auditSubs {
		select {
		case ch <- entry:
		default:
			telemetry.IncNotificationDrop()
		}
	}
}

// SubscribeHITL registers a new HITL subscriber and returns its event
// channel, a consistent snapshot of currently pending requests taken at
// the same instant the subscription takes effect, and an unsubscribe
// function. Because the snapshot is read under the same lock that
// guards delivery, no event published after this call can be missed by
// the returned channel.
func (b *Bus) SubscribeHITL() (events <-chan HITLEvent, snapshot []hitl.Snapshot, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan HITLEvent, subscriberBuffer)
	b.hitlSubs[id] = ch
	var snap []hitl.Snapshot
	if b.pendingSrc != nil {
		snap = b.pendingSrc.ListPending()
	}
	return ch, snap, func() { b.unsubscribeHITL(id) }
}

func (b *Bus) unsubscribeHITL(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.hitlSubs[id]; ok {
		close(ch)
		delete(b.hitlSubs, id)
	}
}

// SubscribeAudit registers a new audit subscriber and returns its event
// channel and an unsubscribe function. The audit channel has no
// snapshot phase — the REST/MCP query surface serves historical reads;
// the bus only carries the incremental stream of new entries.
func (b *Bus) SubscribeAudit() (events <-chan audit.Entry, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan audit.Entry, subscriberBuffer)
	b.auditSubs[id] = ch
	return ch, func() { b.unsubscribeAudit(id) }
}

func (b *Bus) unsubscribeAudit(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.auditSubs[id]; ok {
		close(ch)
		delete(b.auditSubs, id)
	}
}
