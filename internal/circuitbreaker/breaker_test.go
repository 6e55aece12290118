package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Minute)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("alert_sink")
	b.RecordFailure("alert_sink")
	if !b.Allow("alert_sink") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("alert_sink")
	if b.Allow("alert_sink") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("alert_sink") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("alert_sink"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2)

	b.RecordFailure("alert_sink")
	b.RecordFailure("alert_sink")
	clock.Advance(time.Minute)

	if !b.Allow("alert_sink") {
		t.Fatal("should allow probe in half-open")
	}
	if b.Allow("alert_sink") {
		t.Fatal("should reject second call while probing")
	}

	b.RecordSuccess("alert_sink")
	if b.State("alert_sink") != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State("alert_sink"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(2)

	b.RecordFailure("alert_sink")
	b.RecordFailure("alert_sink")
	clock.Advance(time.Minute)
	b.Allow("alert_sink")

	b.RecordFailure("alert_sink")
	if b.State("alert_sink") != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State("alert_sink"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("alert_sink")
	b.RecordFailure("alert_sink")
	b.RecordSuccess("alert_sink")
	b.RecordFailure("alert_sink")
	if !b.Allow("alert_sink") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentSinks(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("alert_sink")
	b.RecordFailure("alert_sink")
	if b.Allow("alert_sink") {
		t.Fatal("alert_sink should be open")
	}
	if !b.Allow("predictions") {
		t.Fatal("predictions should be closed")
	}
	if got := b.OpenSinks(); len(got) != 1 || got[0] != "alert_sink" {
		t.Fatalf("unexpected open sinks %v", got)
	}
}

func TestBreaker_Call(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("503")
	notCounted := errors.New("400")

	onlyBoom := func(err error) bool { return errors.Is(err, boom) }

	if err := b.Call("alert_sink", func() error { return notCounted }, onlyBoom); !errors.Is(err, notCounted) {
		t.Fatalf("expected caller error back, got %v", err)
	}
	if b.State("alert_sink") != StateClosed {
		t.Fatal("uncounted errors must not trip the breaker")
	}

	_ = b.Call("alert_sink", func() error { return boom }, onlyBoom)
	_ = b.Call("alert_sink", func() error { return boom }, onlyBoom)

	called := false
	err := b.Call("alert_sink", func() error { called = true; return nil }, onlyBoom)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2)

	done := make(chan [2]State, 1)
	b.OnTransition(func(sink string, from, to State) {
		done <- [2]State{from, to}
	})

	b.RecordFailure("alert_sink")
	b.RecordFailure("alert_sink")

	select {
	case tr := <-done:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("expected closed->open, got %v->%v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
