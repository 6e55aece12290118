package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

func txn(id string, amount float64) transaction.Record {
	return transaction.Record{
		TransactionID: id, Amount: amount, AmountLog: math.Log1p(amount),
		MerchantID: "M42", UserID: "U7", Latitude: 40.71, Longitude: -74.0,
		Hour: 23, DayOfWeek: 6, Type: transaction.TypeOnline, IsWeekend: 1, IsNight: 1,
	}
}

func txnJSON(t *testing.T, id string, amount float64) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(txn(id, amount))
	require.NoError(t, err)
	return b
}

func newEngine(t *testing.T, p float64) *scoring.Engine {
	t.Helper()
	a, b, c := txn("a", 20), txn("b", 300), txn("c", 4000)
	b.Type, c.Type = transaction.TypeATM, transaction.TypeInStore
	state, err := feature.Fit([]transaction.Record{a, b, c})
	require.NoError(t, err)
	e, err := scoring.NewEngine(state, &classifier.ConstantModel{Cols: feature.Columns, Probability: p})
	require.NoError(t, err)
	return e
}

// events is a shared, ordered log of what the fakes saw.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// memSource hands out prepared units, then io.EOF.
type memSource struct {
	mu        sync.Mutex
	units     []*Unit
	fetchErrs []error
	commitErr error
	committed []int64
	ev        *events
}

func newMemSource(ev *events, batches ...[]json.RawMessage) *memSource {
	s := &memSource{ev: ev}
	for i, b := range batches {
		s.units = append(s.units, &Unit{Records: b, Offset: int64(i), token: int64(i)})
	}
	return s
}

func (s *memSource) Fetch(ctx context.Context) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		return nil, err
	}
	if len(s.units) == 0 {
		return nil, io.EOF
	}
	u := s.units[0]
	s.units = s.units[1:]
	return u, nil
}

func (s *memSource) Commit(_ context.Context, u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = append(s.committed, u.Offset)
	if s.ev != nil {
		s.ev.add("commit %d", u.Offset)
	}
	return nil
}

func (s *memSource) Close() error { return nil }

func (s *memSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

// memPublisher records published outcomes. fail is called before each
// attempt and may return an error to reject it.
type memPublisher struct {
	mu        sync.Mutex
	published []scoring.Outcome
	attempts  int
	fail      func(attempt int) error
	ev        *events
}

func (p *memPublisher) Publish(_ context.Context, outcomes []scoring.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.fail != nil {
		if err := p.fail(p.attempts); err != nil {
			if p.ev != nil {
				p.ev.add("publish failed")
			}
			return err
		}
	}
	p.published = append(p.published, outcomes...)
	if p.ev != nil {
		p.ev.add("publish %d", len(outcomes))
	}
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) outcomes() []scoring.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scoring.Outcome(nil), p.published...)
}

// fakeFetcher stands in for *kafka.Reader. An empty queue blocks until ctx
// is done, like a broker with no new messages.
type fakeFetcher struct {
	mu        sync.Mutex
	queue     []kafka.Message
	err       error
	committed []kafka.Message
	commitErr error
	closed    bool
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return m, nil
	}
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeFetcher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeWriter stands in for *kafka.Writer.
type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	// maxBytes, when set, rejects any call carrying a larger key+value the
	// way kafka-go rejects messages over BatchBytes.
	maxBytes int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	for _, m := range msgs {
		if w.maxBytes > 0 && len(m.Key)+len(m.Value) > w.maxBytes {
			return kafka.MessageTooLargeError{Message: m}
		}
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func (w *fakeWriter) Close() error { return nil }
