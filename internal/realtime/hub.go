// Package realtime streams tenant lifecycle events to operators over WebSocket.
//
// Consoles connect to /ws and receive every event until they send a
// subscribe message narrowing the stream:
//
//	{"action":"subscribe","filter":{"eventTypes":["tenant_provisioned"]},"since":41}
//
// The hub answers with a "subscribed" control message and replays retained
// events newer than since that pass the filter.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mbd888/peopledesk/internal/metrics"
)

const (
	// MaxClients caps concurrent operator connections.
	MaxClients = 256

	// BacklogSize is how many recent events are kept for replay.
	BacklogSize = 500

	sendBuffer = 64
)

// Stats describes hub activity.
type Stats struct {
	ConnectedClients int    `json:"connectedClients"`
	PeakClients      int64  `json:"peakClients"`
	TotalClients     int64  `json:"totalClients"`
	PublishedEvents  uint64 `json:"publishedEvents"`
	DroppedEvents    int64  `json:"droppedEvents"`
	LastSeq          uint64 `json:"lastSeq"`
}

type subscribeRequest struct {
	client *Client
	filter Filter
	since  uint64
}

type reply struct {
	client *Client
	msg    controlMessage
}

// Hub fans lifecycle events out to connected consoles. All client and
// backlog bookkeeping happens on the Run goroutine.
type Hub struct {
	clients     map[*Client]struct{}
	events      chan *Event
	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscribeRequest
	replies     chan reply
	backlog     *backlog
	logger      *slog.Logger
	done        chan struct{}
	maxClients  int
	clientCount atomic.Int64

	seq          atomic.Uint64
	dropped      atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscribeRequest),
		replies:    make(chan reply),
		backlog:    newBacklog(BacklogSize),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub loop. It returns when ctx is cancelled, closing every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.clientCount.Store(n)
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("console connected", "clients", n)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("console disconnected", "clients", len(h.clients))
			}

		case req := <-h.subscribe:
			if _, ok := h.clients[req.client]; !ok {
				continue
			}
			req.client.filter = req.filter
			h.deliver(req.client, control("subscribed", h.seq.Load()))
			for _, e := range h.backlog.since(req.since, req.filter) {
				h.deliver(req.client, e)
			}

		case r := <-h.replies:
			if _, ok := h.clients[r.client]; ok {
				h.deliver(r.client, r.msg)
			}

		case e := <-h.events:
			h.backlog.add(e)
			for c := range h.clients {
				if c.filter.Matches(e) {
					h.deliver(c, e)
				}
			}
		}
	}
}

// deliver queues v for c, disconnecting consoles that fall behind.
func (h *Hub) deliver(c *Client, v interface{}) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode realtime message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("console too slow, disconnecting")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.clientCount.Store(int64(len(h.clients)))
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

// Publish assigns the next sequence number to a lifecycle event and queues
// it. Events are dropped, not blocked on, when the hub is saturated.
func (h *Hub) Publish(eventType EventType, tenantID string, packageID int64, data interface{}) {
	e := &Event{
		Seq:       h.seq.Add(1),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		PackageID: packageID,
		Data:      data,
	}
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", eventType, "tenant_id", tenantID)
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		ConnectedClients: int(h.clientCount.Load()),
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		PublishedEvents:  h.seq.Load(),
		DroppedEvents:    h.dropped.Load(),
		LastSeq:          h.seq.Load(),
	}
}

// HandleWebSocket upgrades an operator connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if int(h.clientCount.Load()) >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

var _ Publisher = (*Hub)(nil)
