// Package health runs named subsystem checks for the landlord's health and
// readiness endpoints. Required checks decide readiness; optional ones are
// reported but never take the instance out of rotation.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 3 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Optional  bool    `json:"optional,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMS float64 `json:"latencyMs"`
}

// Checker probes one subsystem. It should honour ctx.
type Checker func(ctx context.Context) Status

type entry struct {
	name     string
	check    Checker
	optional bool
}

// Registry holds checks in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a check that must pass for the instance to be healthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

// RegisterOptional adds a check whose failure is reported only.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(entry{name: name, check: check, optional: true})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently, each under its own deadline.
// healthy is false when any required check fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses = make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			statuses[i] = r.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	st := e.check(cctx)
	if st.Healthy && cctx.Err() != nil {
		st = Status{Detail: "timed out"}
	}
	st.Name = e.name
	st.Optional = e.optional
	st.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	return st
}

// Ping adapts a ping function such as (*sql.DB).PingContext.
func Ping(ping func(context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Writable reports a directory as healthy when a file can be created in
// it. Tenant databases and artifacts are written there.
func Writable(dir string) Checker {
	return func(context.Context) Status {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return Status{Detail: fmt.Sprintf("not writable: %v", err)}
		}
		path := f.Name()
		_ = f.Close()
		_ = os.Remove(path)
		return Status{Healthy: true, Detail: filepath.Clean(dir)}
	}
}
