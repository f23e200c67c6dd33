package realtime

import "slices"

// Publisher receives tenant lifecycle events.
type Publisher interface {
	Publish(eventType EventType, tenantID string, packageID int64, data interface{})
}

// EventTypes lists every lifecycle event in emission order of a tenant's life.
var EventTypes = []EventType{
	EventPaymentPending,
	EventTenantProvisioned,
	EventPackageSwitched,
	EventSubscriptionRenewed,
	EventTenantDeprovisioned,
}

// Known reports whether t is a lifecycle event type.
func Known(t EventType) bool {
	return slices.Contains(EventTypes, t)
}

// Fanout delivers each event to every non-nil publisher in order.
type Fanout []Publisher

// NewFanout drops nil publishers.
func NewFanout(ps ...Publisher) Fanout {
	out := make(Fanout, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f Fanout) Publish(eventType EventType, tenantID string, packageID int64, data interface{}) {
	for _, p := range f {
		p.Publish(eventType, tenantID, packageID, data)
	}
}

var _ Publisher = (*Hub)(nil)
