// Package webhooks notifies operator-registered endpoints about tenant
// lifecycle events.
//
// Operators register HTTPS endpoints to hear about:
// - Signups waiting for payment and tenants coming online
// - Package switches and renewals
// - Deprovisioned tenants
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/peopledesk/internal/realtime"
	"github.com/mbd888/peopledesk/internal/retry"
	"github.com/mbd888/peopledesk/internal/security"
)

// Delivery headers.
const (
	HeaderEvent     = "X-PeopleDesk-Event"
	HeaderTimestamp = "X-PeopleDesk-Timestamp"
	HeaderSignature = "X-PeopleDesk-Signature"
)

// DefaultMaxFailures deactivates a subscription after this many failed
// deliveries in a row.
const DefaultMaxFailures = 10

var ErrNotFound = errors.New("webhooks: subscription not found")

// Event is the delivered payload.
type Event struct {
	ID        string             `json:"id"`
	Type      realtime.EventType `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	TenantID  string             `json:"tenantId,omitempty"`
	PackageID int64              `json:"packageId,omitempty"`
	Data      interface{}        `json:"data,omitempty"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string               `json:"id"`
	URL                 string               `json:"url"`
	Secret              string               `json:"-"` // Used for HMAC signing
	Events              []realtime.EventType `json:"events"`
	Active              bool                 `json:"active"`
	CreatedAt           time.Time            `json:"createdAt"`
	LastSuccess         *time.Time           `json:"lastSuccess,omitempty"`
	LastError           string               `json:"lastError,omitempty"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives eventType.
func (s *Subscription) Wants(eventType realtime.EventType) bool {
	return s.Active && slices.Contains(s.Events, eventType)
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType realtime.EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error
	retry        retry.Policy
	maxFailures  int
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
			// Redirects could point at internal addresses.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		urlValidator: security.ValidateEndpointURL,
		retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Retryable:   retry.TransientHTTP,
		},
		maxFailures: DefaultMaxFailures,
	}
}

// Dispatch sends an event to every active subscriber in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			// Detached so delivery outlives the request that triggered it.
			sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			d.deliver(sctx, sub, event, payload)
		}(sub)
	}

	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	// Re-checked at send time in case DNS changed since registration.
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("blocked URL: %v", err))
		return
	}

	err := d.retry.Do(ctx, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &retry.StatusError{Code: resp.StatusCode}
	}
	return nil
}

// EventPing is sent only by Ping; it is not a lifecycle event and cannot be
// subscribed to.
const EventPing realtime.EventType = "ping"

// Ping delivers one synchronous test event to sub, without retries, and
// records the outcome like any other delivery.
func (d *Dispatcher) Ping(ctx context.Context, sub *Subscription) error {
	event := &Event{
		ID:        "evt_ping_" + sub.ID,
		Type:      EventPing,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"webhookId": sub.ID},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := d.urlValidator(sub.URL); err != nil {
		return fmt.Errorf("blocked URL: %w", err)
	}
	if err := d.post(ctx, sub, event, payload); err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return err
	}
	d.recordSuccess(ctx, sub)
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.maxFailures > 0 && sub.ConsecutiveFailures >= d.maxFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sub
	m.subs[sub.ID] = &c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		c := *sub
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		c := *sub
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *Subscription) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, eventType realtime.EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Wants(eventType) {
			c := *sub
			result = append(result, &c)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	c := *sub
	m.subs[sub.ID] = &c
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
