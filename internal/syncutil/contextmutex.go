// Package syncutil holds the concurrency primitives shared by the alert store
// and the streaming orchestrator.
package syncutil

import "context"

// ContextMutex is a mutex whose Lock can be abandoned when ctx is done. It
// is backed by a one-slot channel so acquisition can sit in a select.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex returns an unlocked mutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock acquires the mutex or returns ctx.Err(). On success the caller must
// call the returned unlock function exactly once.
func (m *ContextMutex) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
