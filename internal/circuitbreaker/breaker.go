// Package circuitbreaker guards calls to an external provider. After
// Threshold consecutive faults the circuit opens and calls fail fast until
// Cooldown has passed; then a single probe decides whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peopledesk",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state per provider (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peopledesk",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls refused while the circuit was open.",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(stateGauge, rejectedTotal)
}

// ErrOpen is returned by Execute while the circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   int       `json:"consecutiveFailures"`
	OpenedAt   time.Time `json:"openedAt,omitzero"`
	RetryAfter time.Time `json:"retryAfter,omitzero"`
}

// Breaker is one circuit around one provider.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a breaker that opens after threshold consecutive faults and
// probes again after cooldown.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Execute runs fn unless the circuit is open. Errors for which countable
// returns false (caller mistakes such as a rejected request) count as a
// healthy provider; pass nil to count every error.
func (b *Breaker) Execute(countable func(error) bool, fn func() error) error {
	if !b.admit() {
		rejectedTotal.WithLabelValues(b.name).Inc()
		return ErrOpen
	}
	err := fn()
	b.record(err != nil && (countable == nil || countable(err)))
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false // probe in flight
	default:
		return true
	}
}

func (b *Breaker) record(fault bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !fault {
		b.failures = 0
		b.setState(StateClosed)
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// caller holds b.mu
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	stateGauge.WithLabelValues(b.name).Set(float64(s))
}

// State returns the current state without moving an expired open circuit
// to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the breaker for health and info endpoints.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{Name: b.name, State: b.state.String(), Failures: b.failures}
	if b.state != StateClosed {
		snap.OpenedAt = b.openedAt
		snap.RetryAfter = b.openedAt.Add(b.cooldown)
	}
	return snap
}
