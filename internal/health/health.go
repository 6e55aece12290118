// Package health provides a registry of named subsystem health checkers and
// a latch for components that can fall into a degraded state at runtime.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry. Each checker gets at most
// two seconds unless SetTimeout says otherwise.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// SetTimeout bounds how long a single checker may run.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results, in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, timeout)
		}
		statuses[i] = nc.check(cctx)
		cancel()
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Latch records that a component has become unusable. Once tripped it stays
// tripped for the life of the process.
type Latch struct {
	mu     sync.RWMutex
	reason string
	since  time.Time
}

// Trip marks the latch. Only the first reason is kept.
func (l *Latch) Trip(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reason != "" {
		return
	}
	l.reason = reason
	l.since = time.Now()
}

// Tripped reports whether the latch is set and why.
func (l *Latch) Tripped() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason != "", l.reason
}

// Checker adapts the latch to a registry checker.
func (l *Latch) Checker(name string) Checker {
	return func(_ context.Context) Status {
		if tripped, reason := l.Tripped(); tripped {
			return Status{Name: name, Healthy: false, Detail: reason}
		}
		return Status{Name: name, Healthy: true}
	}
}
