package realtime

import (
	"slices"
	"time"
)

// EventType names a tenant lifecycle transition.
type EventType string

const (
	EventPaymentPending      EventType = "payment_pending"
	EventTenantProvisioned   EventType = "tenant_provisioned"
	EventTenantDeprovisioned EventType = "tenant_deprovisioned"
	EventPackageSwitched     EventType = "package_switched"
	EventSubscriptionRenewed EventType = "subscription_renewed"
)

// Event is one lifecycle transition as delivered to operator consoles.
// Seq increases by one per published event, so a console that reconnects
// with its last seen Seq can tell whether it missed anything.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TenantID  string      `json:"tenantId,omitempty"`
	PackageID int64       `json:"packageId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Filter selects the events a console receives. Empty dimensions match
// everything; non-empty ones must all match.
type Filter struct {
	EventTypes []EventType `json:"eventTypes,omitempty"`
	TenantIDs  []string    `json:"tenantIds,omitempty"`
	PackageIDs []int64     `json:"packageIds,omitempty"`
}

// Matches reports whether e passes every non-empty dimension of f.
func (f Filter) Matches(e *Event) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	if len(f.TenantIDs) > 0 && !slices.Contains(f.TenantIDs, e.TenantID) {
		return false
	}
	if len(f.PackageIDs) > 0 && !slices.Contains(f.PackageIDs, e.PackageID) {
		return false
	}
	return true
}

// backlog keeps the most recent events for replay. Not safe for concurrent
// use; the hub loop owns it.
type backlog struct {
	events []*Event
	size   int
}

func newBacklog(size int) *backlog {
	return &backlog{events: make([]*Event, 0, size), size: size}
}

func (b *backlog) add(e *Event) {
	if b.size == 0 {
		return
	}
	if len(b.events) == b.size {
		copy(b.events, b.events[1:])
		b.events = b.events[:b.size-1]
	}
	b.events = append(b.events, e)
}

// since returns the retained events with Seq > seq that pass f, oldest first.
func (b *backlog) since(seq uint64, f Filter) []*Event {
	var out []*Event
	for _, e := range b.events {
		if e.Seq > seq && f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
