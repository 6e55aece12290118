package mcpserver

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Test helpers ---

func record(id string, typ transaction.Type, amount float64) transaction.Record {
	return transaction.Record{
		TransactionID: id, Amount: amount, AmountLog: math.Log1p(amount),
		Latitude: 40.7, Longitude: -74, Hour: 23, DayOfWeek: 6, Type: typ,
		IsWeekend: 1, IsNight: 1, UserID: "U7", MerchantID: "M42",
	}
}

// newTestSetup serves the real scoring and alert handlers with a constant
// model of probability p.
func newTestSetup(t *testing.T, p float64) (*Handlers, *alerts.Service) {
	t.Helper()
	state, err := feature.Fit([]transaction.Record{
		record("a", transaction.TypeATM, 50),
		record("b", transaction.TypeInStore, 120),
		record("c", transaction.TypeOnline, 900),
	})
	require.NoError(t, err)
	engine, err := scoring.NewEngine(state, &classifier.ConstantModel{Cols: feature.Columns, Probability: p})
	require.NoError(t, err)
	svc := alerts.NewService(alerts.NewMemoryStore(), 10*time.Minute, logging.Discard())

	r := gin.New()
	scoring.NewHandler(engine, 2).RegisterRoutes(&r.RouterGroup)
	alerts.NewHandler(svc).RegisterRoutes(&r.RouterGroup)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return NewHandlers(NewBackend(Config{ScoringURL: ts.URL, Timeout: 5 * time.Second})), svc
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func txnArgs(id string, amount float64) map[string]any {
	return map[string]any{
		"transaction_id": id, "amount": amount, "amount_log": math.Log1p(amount),
		"latitude": 40.71, "longitude": -74.0, "hour": 23.0, "day_of_week": 6.0,
		"transaction_type": "online", "is_weekend": 1.0, "is_night": 1.0,
		"user_id": "U7", "merchant_id": "M42",
	}
}

func seedAlerts(t *testing.T, svc *alerts.Service, probs ...float64) {
	t.Helper()
	for i, p := range probs {
		id := string(rune('A'+i)) + "1"
		pred := scoring.Prediction{
			TransactionID: id, FraudProbability: p,
			IsFraud: classifier.IsFraud(p), RiskLevel: classifier.TierFor(p),
		}
		_, created, err := svc.Append(context.Background(), record(id, transaction.TypeOnline, 100*float64(i+1)), pred)
		require.NoError(t, err)
		require.True(t, created)
	}
}

// ============================================================
// score_transaction
// ============================================================

func TestHandleScoreTransaction(t *testing.T) {
	h, _ := newTestSetup(t, 0.82)

	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(map[string]any{
		"transaction": txnArgs("T1", 4200),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Transaction: T1")
	assert.Contains(t, text, "Fraud probability: 0.8200")
	assert.Contains(t, text, "Risk level: HIGH")
	assert.Contains(t, text, "FLAGGED")
}

func TestHandleScoreTransaction_NotFlagged(t *testing.T) {
	h, _ := newTestSetup(t, 0.5)

	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(map[string]any{
		"transaction": txnArgs("T2", 20),
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Risk level: MEDIUM")
	assert.Contains(t, text, "not flagged")
}

func TestHandleScoreTransaction_Missing(t *testing.T) {
	h, _ := newTestSetup(t, 0.1)

	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "transaction is required")
}

func TestHandleScoreTransaction_SchemaError(t *testing.T) {
	h, _ := newTestSetup(t, 0.1)

	args := txnArgs("T3", 10)
	delete(args, "hour")
	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(map[string]any{"transaction": args}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "schema")
	assert.Contains(t, text, "hour")
}

func TestHandleScoreTransaction_Unreachable(t *testing.T) {
	h := NewHandlers(NewBackend(Config{ScoringURL: "http://127.0.0.1:1", Timeout: time.Second}))

	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(map[string]any{
		"transaction": txnArgs("T1", 1),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unreachable")
}

// ============================================================
// recent_alerts / alert_summary
// ============================================================

func TestHandleRecentAlerts(t *testing.T) {
	h, svc := newTestSetup(t, 0.1)
	seedAlerts(t, svc, 0.9, 0.5, 0.1)

	result, err := h.HandleRecentAlerts(context.Background(), makeRequest(map[string]any{"limit": 2.0}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 alert(s)")
	assert.NotContains(t, text, "txn=A1")
	assert.Contains(t, text, "[MEDIUM]")
	assert.Contains(t, text, "txn=C1")
}

func TestHandleRecentAlerts_RiskFilter(t *testing.T) {
	h, svc := newTestSetup(t, 0.1)
	seedAlerts(t, svc, 0.9, 0.5, 0.95)

	result, err := h.HandleRecentAlerts(context.Background(), makeRequest(map[string]any{"risk_level": "high"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 alert(s)")
	assert.NotContains(t, text, "MEDIUM")
}

func TestHandleRecentAlerts_EmptyAndInvalid(t *testing.T) {
	h, _ := newTestSetup(t, 0.1)

	result, err := h.HandleRecentAlerts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No alerts found.", resultText(t, result))

	result, err = h.HandleRecentAlerts(context.Background(), makeRequest(map[string]any{"limit": -1.0}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleAlertSummary(t *testing.T) {
	h, svc := newTestSetup(t, 0.1)
	seedAlerts(t, svc, 0.9, 0.5, 0.1)

	result, err := h.HandleAlertSummary(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Total alerts: 3")
	assert.Contains(t, text, "HIGH:   1")
	assert.Contains(t, text, "MEDIUM: 1")
	assert.Contains(t, text, "LOW:    1")
}

// ============================================================
// service_health
// ============================================================

func TestHandleServiceHealth(t *testing.T) {
	h, _ := newTestSetup(t, 0.1)

	result, err := h.HandleServiceHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Scoring: healthy")
	assert.Contains(t, text, "Alert store: healthy")
}

func TestHandleServiceHealth_Degraded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"service_degraded","kind":"corruption","message":"alert store line 7 is unreadable"}`))
	}))
	defer ts.Close()
	h := NewHandlers(NewBackend(Config{ScoringURL: ts.URL, Timeout: time.Second}))

	result, err := h.HandleServiceHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Scoring: unavailable")
	assert.Contains(t, text, "Alert store: degraded (service degraded, corruption: alert store line 7 is unreadable)")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{ScoringURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
