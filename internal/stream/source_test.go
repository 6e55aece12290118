package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/retry"
)

func messages(values ...string) []kafka.Message {
	out := make([]kafka.Message, len(values))
	for i, v := range values {
		out[i] = kafka.Message{Partition: 2, Offset: int64(100 + i), Value: []byte(v)}
	}
	return out
}

func TestKafkaSource_RecordMode(t *testing.T) {
	f := &fakeFetcher{queue: messages(`{"a":1}`, `{"a":2}`)}
	s := newKafkaSource(f, 1, time.Second)

	u, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, u.Records, 1)
	assert.JSONEq(t, `{"a":1}`, string(u.Records[0]))
	assert.Equal(t, "2@100", u.Position())

	require.NoError(t, s.Commit(context.Background(), u))
	require.Len(t, f.committed, 1)
	assert.Equal(t, int64(100), f.committed[0].Offset)
}

func TestKafkaSource_FullBatch(t *testing.T) {
	f := &fakeFetcher{queue: messages(`{}`, `{}`, `{}`, `{}`)}
	s := newKafkaSource(f, 3, time.Minute)

	u, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, u.Records, 3)
	assert.Equal(t, int64(102), u.Offset)

	require.NoError(t, s.Commit(context.Background(), u))
	assert.Len(t, f.committed, 3)
}

func TestKafkaSource_PartialBatchAfterLinger(t *testing.T) {
	f := &fakeFetcher{queue: messages(`{}`, `{}`)}
	s := newKafkaSource(f, 10, 20*time.Millisecond)

	start := time.Now()
	u, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, u.Records, 2)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestKafkaSource_StopWhileGatheringDropsUnit(t *testing.T) {
	f := &fakeFetcher{queue: messages(`{}`)}
	s := newKafkaSource(f, 10, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	u, err := s.Fetch(ctx)
	assert.Nil(t, u)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.committed)
}

func TestKafkaSource_Errors(t *testing.T) {
	f := &fakeFetcher{err: errors.New("broker down")}
	s := newKafkaSource(f, 1, time.Second)

	_, err := s.Fetch(context.Background())
	assert.True(t, retry.IsTransient(err))

	f.commitErr = errors.New("rebalance in progress")
	err = s.Commit(context.Background(), &Unit{token: messages(`{}`)})
	assert.True(t, retry.IsTransient(err))

	err = s.Commit(context.Background(), &Unit{token: int64(3)})
	assert.Error(t, err)
	assert.False(t, retry.IsTransient(err))

	require.NoError(t, s.Close())
	assert.True(t, f.closed)
}

func TestNewKafkaSource_Validation(t *testing.T) {
	_, err := NewKafkaSource(KafkaConfig{Topic: "transactions", GroupID: "g"})
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"})
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "transactions"})
	assert.Error(t, err)
}

func writeReplay(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.jsonl")
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFileSource_ResumesFromCheckpoint(t *testing.T) {
	path := writeReplay(t, `{"transaction_id":"T1"}`, ``, `{"transaction_id":"T2"}`, `{"transaction_id":"T3"}`)
	cp := filepath.Join(t.TempDir(), "state", "replay.checkpoint")
	ctx := context.Background()

	s, err := OpenFileSource(path, cp, 2, logging.Discard())
	require.NoError(t, err)
	u, err := s.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, u.Records, 2)
	assert.Equal(t, json.RawMessage(`{"transaction_id":"T2"}`), u.Records[1])
	require.NoError(t, s.Commit(ctx, u))

	// Fetched but never committed.
	_, err = s.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenFileSource(path, cp, 2, logging.Discard())
	require.NoError(t, err)
	defer s.Close()
	u, err = s.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, u.Records, 1)
	assert.Equal(t, json.RawMessage(`{"transaction_id":"T3"}`), u.Records[0])
	require.NoError(t, s.Commit(ctx, u))

	_, err = s.Fetch(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileSource_CheckpointForOtherFileIsIgnored(t *testing.T) {
	path := writeReplay(t, `{"transaction_id":"T1"}`)
	cp := filepath.Join(t.TempDir(), "replay.checkpoint")
	require.NoError(t, os.WriteFile(cp, []byte(`{"source":"/elsewhere.jsonl","next_line":9}`), 0o600))

	s, err := OpenFileSource(path, cp, 5, logging.Discard())
	require.NoError(t, err)
	defer s.Close()
	u, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, u.Records, 1)
}

func TestFileSource_CorruptCheckpoint(t *testing.T) {
	path := writeReplay(t, `{}`)
	cp := filepath.Join(t.TempDir(), "replay.checkpoint")
	require.NoError(t, os.WriteFile(cp, []byte(`{not json`), 0o600))

	_, err := OpenFileSource(path, cp, 1, logging.Discard())
	assert.Error(t, err)
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := OpenFileSource(filepath.Join(t.TempDir(), "nope.jsonl"), "", 1, logging.Discard())
	assert.Error(t, err)
}

// flakyReader replays scripted reads, then io.EOF.
type flakyReader struct {
	steps []readStep
}

type readStep struct {
	data string
	err  error
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	st := r.steps[0]
	r.steps = r.steps[1:]
	return copy(p, st.data), st.err
}

func TestFileSource_ReadErrorMidBatchKeepsLines(t *testing.T) {
	cp := filepath.Join(t.TempDir(), "replay.checkpoint")
	s, err := OpenFileSource(writeReplay(t), cp, 5, logging.Discard())
	require.NoError(t, err)
	defer s.Close()
	s.reader = bufio.NewReader(&flakyReader{steps: []readStep{
		{data: `{"transaction_id":"T1"}` + "\n" + `{"transaction_id":"T2"}` + "\n" + `{"transaction_`},
		{err: errors.New("input/output error")},
		{data: `id":"T3"}` + "\n" + `{"transaction_id":"T4"}` + "\n"},
	}})
	ctx := context.Background()

	u, err := s.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, u.Records, 2)
	assert.Equal(t, int64(2), u.Offset)
	require.NoError(t, s.Commit(ctx, u))

	u, err = s.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, u.Records, 2)
	assert.Equal(t, json.RawMessage(`{"transaction_id":"T3"}`), u.Records[0])
	assert.Equal(t, json.RawMessage(`{"transaction_id":"T4"}`), u.Records[1])
	assert.Equal(t, int64(4), u.Offset)
	require.NoError(t, s.Commit(ctx, u))

	_, err = s.Fetch(ctx)
	assert.ErrorIs(t, err, io.EOF)

	data, err := os.ReadFile(cp)
	require.NoError(t, err)
	var saved checkpoint
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, int64(4), saved.NextLine)
}

func TestFileSource_ReadErrorAtBatchStartSkipsNothing(t *testing.T) {
	s, err := OpenFileSource(writeReplay(t), "", 5, logging.Discard())
	require.NoError(t, err)
	defer s.Close()
	boom := errors.New("input/output error")
	s.reader = bufio.NewReader(&flakyReader{steps: []readStep{
		{err: boom},
		{data: `{"transaction_id":"T1"}` + "\n"},
	}})
	ctx := context.Background()

	_, err = s.Fetch(ctx)
	require.ErrorIs(t, err, boom)

	u, err := s.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, u.Records, 1)
	assert.Equal(t, int64(1), u.Offset)
}
