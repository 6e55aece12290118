// Package circuitbreaker guards calls to remote sinks (alert service,
// classifier endpoint, prediction topic) with a per-sink breaker that moves
// closed -> open -> half-open.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Call when the circuit for a sink is not accepting calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected without reaching the sink
	StateHalfOpen              // one probe call in flight
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

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fraudwatch",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by sink, from-state, and to-state.",
}, []string{"sink", "from_state", "to_state"})

var rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fraudwatch",
	Subsystem: "circuitbreaker",
	Name:      "rejected_total",
	Help:      "Calls rejected because the sink circuit was open.",
}, []string{"sink"})

func init() {
	prometheus.MustRegister(transitions, rejected)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per sink and trips open once they
// reach the threshold. After openDuration one probe is let through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(sink string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback invoked asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(sink string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Call runs fn if the circuit for sink allows it and records the outcome.
// isFailure decides which errors count against the sink; nil counts every error.
func (b *Breaker) Call(sink string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(sink) {
		rejected.WithLabelValues(sink).Inc()
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(sink)
		return err
	}
	b.RecordSuccess(sink)
	return err
}

// Allow reports whether a call to sink should proceed. An open circuit whose
// openDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(sink string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[sink]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, sink, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(sink string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[sink]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, sink, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(sink string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[sink]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[sink] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, sink, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, sink, StateOpen)
	}
}

// State returns the current state for sink. Unknown sinks are closed.
func (b *Breaker) State(sink string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[sink]; ok {
		return e.state
	}
	return StateClosed
}

// OpenSinks lists sinks whose circuit is not closed, sorted by name.
func (b *Breaker) OpenSinks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for sink, e := range b.entries {
		if e.state != StateClosed {
			out = append(out, sink)
		}
	}
	sort.Strings(out)
	return out
}

// caller must hold b.mu
func (b *Breaker) transition(e *entry, sink string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(sink, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(sink, from, to)
	}
}
