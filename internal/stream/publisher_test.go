package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/retry"
)

func decodeValue(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestPredictionValue(t *testing.T) {
	e := newEngine(t, 0.82)
	ok := e.ScoreRaw(context.Background(), txnJSON(t, "T1", 4200))
	require.NoError(t, ok.Err)

	b, err := predictionValue(ok)
	require.NoError(t, err)
	m := decodeValue(t, b)
	assert.Equal(t, "T1", m["transaction_id"])
	assert.Equal(t, 4200.0, m["amount"])
	assert.Equal(t, 0.82, m["fraud_probability"])
	assert.Equal(t, true, m["is_fraud"])
	assert.Equal(t, "HIGH", m["risk_level"])
	assert.NotContains(t, m, "error")

	bad := e.ScoreRaw(context.Background(), json.RawMessage(`{"transaction_id":"T9","amount":"lots"}`))
	require.Error(t, bad.Err)
	b, err = predictionValue(bad)
	require.NoError(t, err)
	m = decodeValue(t, b)
	assert.Equal(t, "T9", m["transaction_id"])
	assert.NotContains(t, m, "amount")
	assert.Equal(t, 0.0, m["fraud_probability"])
	assert.Equal(t, false, m["is_fraud"])
	assert.Equal(t, "LOW", m["risk_level"])
	assert.Equal(t, "schema", m["error_kind"])
	assert.NotEmpty(t, m["error"])

	garbage := e.ScoreRaw(context.Background(), json.RawMessage(`not json`))
	b, err = predictionValue(garbage)
	require.NoError(t, err)
	m = decodeValue(t, b)
	assert.Equal(t, "", m["transaction_id"])
	assert.Equal(t, "schema", m["error_kind"])
}

func TestKafkaPublisher_KeysByTransaction(t *testing.T) {
	e := newEngine(t, 0.4)
	w := &fakeWriter{}
	p := newKafkaPublisher(w, time.Second)

	outcomes := e.ScoreBatch(context.Background(), []json.RawMessage{txnJSON(t, "T1", 10), txnJSON(t, "T2", 20)}, 2)
	require.NoError(t, p.Publish(context.Background(), outcomes))
	require.Len(t, w.messages, 2)
	assert.Equal(t, "T1", string(w.messages[0].Key))
	assert.Equal(t, "T2", string(w.messages[1].Key))
	assert.Equal(t, "MEDIUM", decodeValue(t, w.messages[1].Value)["risk_level"])

	require.NoError(t, p.Publish(context.Background(), nil))
	assert.Len(t, w.messages, 2)

	w.err = errors.New("leader not available")
	err := p.Publish(context.Background(), outcomes)
	assert.True(t, retry.IsTransient(err))
}

func TestPredictionValue_MalformedRecordNotEchoed(t *testing.T) {
	e := newEngine(t, 0.5)
	raw := json.RawMessage(`{"transaction_id":"BAD","junk":"` + strings.Repeat("x", 4096) + `"}`)
	bad := e.ScoreRaw(context.Background(), raw)
	require.Error(t, bad.Err)

	b, err := predictionValue(bad)
	require.NoError(t, err)
	assert.Less(t, len(b), 1024)
	m := decodeValue(t, b)
	assert.Equal(t, "BAD", m["transaction_id"])
	assert.NotContains(t, m, "junk")
	assert.Equal(t, "schema", m["error_kind"])
}

func TestEncodeOutcome_OverLimitBecomesMarker(t *testing.T) {
	e := newEngine(t, 0.82)
	ok := e.ScoreRaw(context.Background(), txnJSON(t, "T1", 4200))
	require.NoError(t, ok.Err)

	full, err := encodeOutcome(ok, 0)
	require.NoError(t, err)
	assert.Equal(t, 4200.0, decodeValue(t, full)["amount"])

	b, err := encodeOutcome(ok, 64)
	require.NoError(t, err)
	m := decodeValue(t, b)
	assert.Equal(t, "T1", m["transaction_id"])
	assert.Equal(t, "LOW", m["risk_level"])
	assert.Equal(t, "internal", m["error_kind"])
	assert.Contains(t, m["error"], "exceeds")
}

func TestKafkaPublisher_RefusedMessageDegradesToMarker(t *testing.T) {
	e := newEngine(t, 0.82)
	// Large enough for a failure marker, too small for a full prediction.
	w := &fakeWriter{maxBytes: 200}
	p := newKafkaPublisher(w, time.Second)

	outcomes := e.ScoreBatch(context.Background(), []json.RawMessage{txnJSON(t, "T1", 10), txnJSON(t, "T2", 20)}, 2)
	require.NoError(t, p.Publish(context.Background(), outcomes))

	msgs := w.written()
	require.Len(t, msgs, 2)
	for i, id := range []string{"T1", "T2"} {
		assert.Equal(t, id, string(msgs[i].Key))
		m := decodeValue(t, msgs[i].Value)
		assert.Equal(t, id, m["transaction_id"])
		assert.Contains(t, m["error"], "refused")
	}
}

func TestIsTooLarge(t *testing.T) {
	assert.True(t, isTooLarge(kafka.MessageTooLargeError{}))
	assert.True(t, isTooLarge(kafka.MessageSizeTooLarge))
	assert.True(t, isTooLarge(fmt.Errorf("write: %w", kafka.MessageSizeTooLarge)))
	assert.True(t, isTooLarge(kafka.WriteErrors{nil, kafka.MessageSizeTooLarge}))
	assert.False(t, isTooLarge(kafka.WriteErrors{nil, kafka.LeaderNotAvailable}))
	assert.False(t, isTooLarge(errors.New("leader not available")))
	assert.False(t, isTooLarge(nil))
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "predictions", time.Second)
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, " ", time.Second)
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "predictions", time.Second)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestWriterPublisher(t *testing.T) {
	e := newEngine(t, 0.1)
	var buf bytes.Buffer
	p := NewWriterPublisher(&buf)

	outcomes := e.ScoreBatch(context.Background(), []json.RawMessage{txnJSON(t, "T1", 10), txnJSON(t, "T2", 20)}, 1)
	require.NoError(t, p.Publish(context.Background(), outcomes))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "T2", decodeValue(t, []byte(lines[1]))["transaction_id"])
	assert.NoError(t, p.Close())
}
