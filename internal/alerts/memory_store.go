package alerts

import (
	"context"
	"sync"
	"time"
)

// alertLog is the in-process view of an alert sequence, shared by the memory and
// file stores.
type alertLog struct {
	alerts  []*Alert
	ids     map[string]struct{}
	byTxn   map[string]*Alert
	summary Summary
}

func newAlertLog() *alertLog {
	return &alertLog{
		ids:   make(map[string]struct{}),
		byTxn: make(map[string]*Alert),
	}
}

// check reports a collision without mutating the log.
func (l *alertLog) check(a *Alert) error {
	if _, dup := l.ids[a.AlertID]; dup {
		return &StoreCorruptionError{Reason: "duplicate alert id " + a.AlertID}
	}
	return nil
}

func (l *alertLog) add(a *Alert) {
	l.alerts = append(l.alerts, a)
	l.ids[a.AlertID] = struct{}{}
	l.byTxn[a.TransactionID] = a
	l.summary.Add(a.RiskLevel)
}

func (l *alertLog) recent(n int) []*Alert {
	src := tail(l.alerts, n)
	out := make([]*Alert, len(src))
	for i, a := range src {
		cp := *a
		out[i] = &cp
	}
	return out
}

func (l *alertLog) find(txnID string, since time.Time) *Alert {
	a, ok := l.byTxn[txnID]
	if !ok || a.Timestamp.Before(since) {
		return nil
	}
	cp := *a
	return &cp
}

// MemoryStore is an in-memory alert store for demo/development mode. Its
// contents do not survive a restart.
type MemoryStore struct {
	mu  sync.RWMutex
	log *alertLog
}

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{log: newAlertLog()}
}

func (m *MemoryStore) Append(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.log.check(a); err != nil {
		return err
	}
	cp := *a
	m.log.add(&cp)
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, n int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log.recent(n), nil
}

func (m *MemoryStore) Summary(_ context.Context) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log.summary, nil
}

func (m *MemoryStore) FindByTransaction(_ context.Context, txnID string, since time.Time) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log.find(txnID, since), nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
