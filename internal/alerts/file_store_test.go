package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/logging"
)

func openTestFileStore(t *testing.T, path string) *FileStore {
	t.Helper()
	s, err := OpenFileStore(path, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func alertLine(t *testing.T, id, txnID string) []byte {
	t.Helper()
	a := NewAlert(id, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), testTxn(txnID), testPred(txnID, 0.9))
	b, err := json.Marshal(a)
	require.NoError(t, err)
	return append(b, '\n')
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.jsonl")
	ctx := context.Background()

	s, err := OpenFileStore(path, logging.Discard())
	require.NoError(t, err)
	svc := NewService(s, time.Minute, logging.Discard())
	for i, p := range []float64{0.9, 0.6, 0.2} {
		id := fmt.Sprintf("T%d", i)
		_, _, err := svc.Append(ctx, testTxn(id), testPred(id, p))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened := openTestFileStore(t, path)
	sum, err := reopened.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, High: 1, Medium: 1, Low: 1}, sum)

	recent, err := reopened.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 0.6, recent[0].FraudProbability)
	assert.Equal(t, 0.2, recent[1].FraudProbability)
}

func TestFileStore_DedupSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	ctx := context.Background()

	s, err := OpenFileStore(path, logging.Discard())
	require.NoError(t, err)
	svc, _ := newTestService(s)
	svc.now = time.Now
	_, created, err := svc.Append(ctx, testTxn("T1"), testPred("T1", 0.82))
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.Close())

	svc2 := NewService(openTestFileStore(t, path), 10*time.Minute, logging.Discard())
	_, created, err = svc2.Append(ctx, testTxn("T1"), testPred("T1", 0.82))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestFileStore_SingleWriter(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("alert log locking needs flock")
	}
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	ctx := context.Background()

	first, err := OpenFileStore(path, logging.Discard())
	require.NoError(t, err)
	svc := NewService(first, 10*time.Minute, logging.Discard())
	_, _, err = svc.Append(ctx, testTxn("T1"), testPred("T1", 0.9))
	require.NoError(t, err)

	_, err = OpenFileStore(path, logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLogLocked)
	assert.Contains(t, err.Error(), path)

	// The holder is unaffected by the rejected open.
	_, created, err := svc.Append(ctx, testTxn("T2"), testPred("T2", 0.8))
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, first.Close())

	// Closing releases the log for the next writer.
	second := openTestFileStore(t, path)
	sum, err := second.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
}

func TestFileStore_TruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	good := append(alertLine(t, "alert_1", "T1"), alertLine(t, "alert_2", "T2")...)
	torn := alertLine(t, "alert_3", "T3")
	torn = torn[:len(torn)/2]
	require.NoError(t, os.WriteFile(path, append(good, torn...), 0o600))

	s := openTestFileStore(t, path)
	sum, err := s.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(good)), info.Size())

	// Appends continue cleanly after the truncation point.
	require.NoError(t, s.Append(context.Background(), NewAlert("alert_4", time.Now(), testTxn("T4"), testPred("T4", 0.9))))
	require.NoError(t, s.Close())

	reopened := openTestFileStore(t, path)
	recent, err := reopened.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "alert_4", recent[2].AlertID)
}

func TestFileStore_InteriorCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	data := append(alertLine(t, "alert_1", "T1"), []byte("{not json}\n")...)
	data = append(data, alertLine(t, "alert_2", "T2")...)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := OpenFileStore(path, logging.Discard())
	require.Error(t, err)
	assert.True(t, IsCorruption(err))
	assert.Contains(t, err.Error(), "line 2")
}

func TestFileStore_DuplicateIDOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	data := append(alertLine(t, "alert_1", "T1"), alertLine(t, "alert_1", "T2")...)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := OpenFileStore(path, logging.Discard())
	assert.True(t, IsCorruption(err))
}

func TestFileStore_AppendRejectsDuplicateID(t *testing.T) {
	s := openTestFileStore(t, filepath.Join(t.TempDir(), "alerts.jsonl"))
	ctx := context.Background()
	a := NewAlert("alert_1", time.Now(), testTxn("T1"), testPred("T1", 0.9))

	require.NoError(t, s.Append(ctx, a))
	err := s.Append(ctx, NewAlert("alert_1", time.Now(), testTxn("T2"), testPred("T2", 0.9)))
	assert.True(t, IsCorruption(err))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "T1", recent[0].TransactionID)
}
