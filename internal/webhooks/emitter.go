package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/peopledesk/internal/idgen"
	"github.com/mbd888/peopledesk/internal/realtime"
)

// DefaultQueueSize bounds events waiting for subscriber lookup.
const DefaultQueueSize = 256

var (
	emitQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peopledesk",
		Subsystem: "webhook",
		Name:      "events_queued_total",
		Help:      "Lifecycle events queued for webhook fan-out, by event type.",
	}, []string{"event_type"})

	emitDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peopledesk",
		Subsystem: "webhook",
		Name:      "events_dropped_total",
		Help:      "Lifecycle events dropped because the webhook queue was full.",
	})

	emitFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peopledesk",
		Subsystem: "webhook",
		Name:      "dispatch_errors_total",
		Help:      "Events whose subscribers could not be loaded, by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitQueued, emitDropped, emitFailed)
}

// Emitter turns lifecycle events into webhook deliveries. Publish never
// blocks the provisioning path: events go onto a bounded queue that Run
// drains.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
	queue  chan *Event
	done   chan struct{}
}

func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{
		d:      d,
		logger: logger,
		now:    time.Now,
		queue:  make(chan *Event, DefaultQueueSize),
		done:   make(chan struct{}),
	}
}

// Publish implements realtime.Publisher.
func (e *Emitter) Publish(eventType realtime.EventType, tenantID string, packageID int64, data interface{}) {
	if e == nil || e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: e.now().UTC(),
		TenantID:  tenantID,
		PackageID: packageID,
		Data:      data,
	}
	select {
	case e.queue <- event:
		emitQueued.WithLabelValues(string(eventType)).Inc()
	default:
		emitDropped.Inc()
		e.logger.Warn("webhook queue full, event dropped", "event", eventType, "tenant_id", tenantID)
	}
}

// Run dispatches queued events until ctx ends, then flushes what is left.
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case ev := <-e.queue:
			e.dispatch(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has flushed and returned.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

func (e *Emitter) dispatch(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, ev); err != nil {
		emitFailed.WithLabelValues(string(ev.Type)).Inc()
		e.logger.Warn("webhook dispatch failed", "event", ev.Type, "tenant_id", ev.TenantID, "error", err)
	}
}

var _ realtime.Publisher = (*Emitter)(nil)
