package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

func record(id string, typ transaction.Type, amount float64) transaction.Record {
	return transaction.Record{
		TransactionID: id, Amount: amount, AmountLog: math.Log1p(amount),
		Latitude: 40.7, Longitude: -74, Hour: 23, DayOfWeek: 6, Type: typ,
		IsWeekend: 1, IsNight: 1, UserID: "U1", MerchantID: "M1",
	}
}

func newEngine(t *testing.T, model classifier.Model) *Engine {
	t.Helper()
	state, err := feature.Fit([]transaction.Record{
		record("a", transaction.TypeATM, 50),
		record("b", transaction.TypeInStore, 120),
		record("c", transaction.TypeOnline, 900),
	})
	require.NoError(t, err)
	e, err := NewEngine(state, model)
	require.NoError(t, err)
	return e
}

func constant(p float64) classifier.Model {
	return &classifier.ConstantModel{Cols: feature.Columns, Probability: p}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNewEngine_ColumnMismatch(t *testing.T) {
	state, err := feature.Fit([]transaction.Record{record("a", transaction.TypeATM, 1)})
	require.NoError(t, err)

	_, err = NewEngine(state, &classifier.ConstantModel{Cols: []string{"amount"}, Probability: 0.1})
	assert.True(t, classifier.IsScoringError(err))

	reordered := append([]string{feature.Columns[1], feature.Columns[0]}, feature.Columns[2:]...)
	_, err = NewEngine(state, &classifier.ConstantModel{Cols: reordered, Probability: 0.1})
	assert.True(t, classifier.IsScoringError(err))
}

func TestScore_HighRiskScenario(t *testing.T) {
	e := newEngine(t, constant(0.82))
	pred, err := e.Score(context.Background(), record("T1", transaction.TypeOnline, 4200))
	require.NoError(t, err)

	assert.Equal(t, Prediction{
		TransactionID:    "T1",
		FraudProbability: 0.82,
		IsFraud:          true,
		RiskLevel:        classifier.TierHigh,
	}, pred)
	assert.False(t, pred.Failed())
}

func TestScoreRaw_FailureMarker(t *testing.T) {
	e := newEngine(t, constant(0.9))
	raw := rawJSON(t, map[string]any{"transaction_id": "T9", "amount": 10})

	out := e.ScoreRaw(context.Background(), raw)
	require.Error(t, out.Err)
	assert.True(t, out.Prediction.Failed())
	assert.Equal(t, "T9", out.Prediction.TransactionID)
	assert.Equal(t, 0.0, out.Prediction.FraudProbability)
	assert.False(t, out.Prediction.IsFraud)
	assert.Equal(t, classifier.TierLow, out.Prediction.RiskLevel)
	assert.Equal(t, KindSchema, out.Prediction.ErrorKind)
}

func TestScoreBatch_PartialFailure(t *testing.T) {
	e := newEngine(t, constant(0.4))

	raws := []json.RawMessage{
		rawJSON(t, record("T1", transaction.TypeOnline, 10)),
		rawJSON(t, record("T2", transaction.TypeATM, 20)),
		rawJSON(t, map[string]any{"transaction_id": "T3", "amount": 30}), // missing fields
		rawJSON(t, record("T4", transaction.TypeInStore, 40)),
	}

	outcomes := e.ScoreBatch(context.Background(), raws, 3)
	require.Len(t, outcomes, 4)

	var ok, failed int
	for i, o := range outcomes {
		if o.Err != nil {
			failed++
			assert.Equal(t, "T3", o.Prediction.TransactionID)
			assert.True(t, o.Prediction.Failed())
			continue
		}
		ok++
		assert.Equal(t, []string{"T1", "T2", "T3", "T4"}[i], o.Prediction.TransactionID)
		assert.Equal(t, classifier.TierMedium, o.Prediction.RiskLevel)
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 1, failed)
}

func TestErrorKindAndClass(t *testing.T) {
	tests := []struct {
		err   error
		kind  string
		class string
	}{
		{&transaction.SchemaError{Field: "hour"}, KindSchema, ClassBadInput},
		{&classifier.ScoringError{Reason: "x"}, KindScoring, ClassBadInput},
		{retry.Transient("classifier", errors.New("timeout")), KindTransient, ClassServiceDegraded},
		{errors.New("other"), KindInternal, ClassServiceDegraded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, ErrorKind(tt.err))
		assert.Equal(t, tt.class, ErrorClass(tt.err))
	}
}

func newRouter(e *Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(e, 2).RegisterRoutes(r.Group(""))
	return r
}

func TestHandler_Predict(t *testing.T) {
	r := newRouter(newEngine(t, constant(0.82)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/predict", bytes.NewReader(rawJSON(t, record("T1", transaction.TypeOnline, 4200))))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var pred Prediction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pred))
	assert.True(t, pred.IsFraud)
	assert.Equal(t, classifier.TierHigh, pred.RiskLevel)
}

func TestHandler_PredictBadInput(t *testing.T) {
	r := newRouter(newEngine(t, constant(0.82)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/predict", bytes.NewReader([]byte(`{"transaction_id": "T1"}`))))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, ClassBadInput, body["error"])
	assert.Equal(t, KindSchema, body["kind"])
	assert.Contains(t, body["message"], "amount")
}

type unavailableModel struct{}

func (unavailableModel) Columns() []string { return feature.Columns }
func (unavailableModel) Predict(context.Context, feature.Vector) (float64, error) {
	return 0, retry.Transient("classifier", errors.New("connection refused"))
}

func TestHandler_PredictDegraded(t *testing.T) {
	r := newRouter(newEngine(t, unavailableModel{}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/predict", bytes.NewReader(rawJSON(t, record("T1", transaction.TypeOnline, 1)))))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), ClassServiceDegraded)
}

func TestHandler_BatchPredict(t *testing.T) {
	r := newRouter(newEngine(t, constant(0.1)))

	body := rawJSON(t, []any{
		record("T1", transaction.TypeOnline, 10),
		map[string]any{"transaction_id": "T2"},
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/batch-predict", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var preds []Prediction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preds))
	require.Len(t, preds, 2)
	assert.False(t, preds[0].Failed())
	assert.True(t, preds[1].Failed())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/batch-predict", bytes.NewReader([]byte(`{"not": "a list"}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Health(t *testing.T) {
	r := newRouter(newEngine(t, constant(0.1)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, true, body["encoder_loaded"])
	assert.Equal(t, classifier.KindConstant, body["model_kind"])

	w = httptest.NewRecorder()
	newRouter(nil).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_PredictWithoutArtifacts(t *testing.T) {
	r := newRouter(nil)

	for _, path := range []string{"/predict", "/batch-predict"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", path, bytes.NewReader([]byte(`{}`))))
		require.Equal(t, http.StatusServiceUnavailable, w.Code, path)

		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, ClassServiceDegraded, body["error"])
		assert.Equal(t, KindInternal, body["kind"])
	}
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(newRouter(newEngine(t, constant(0.82))))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	pred, err := c.Predict(context.Background(), record("T1", transaction.TypeOnline, 4200))
	require.NoError(t, err)
	assert.Equal(t, classifier.TierHigh, pred.RiskLevel)

	preds, err := c.BatchPredict(context.Background(), []transaction.Record{record("A", transaction.TypeATM, 1)})
	require.NoError(t, err)
	assert.Len(t, preds, 1)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])

	_, err = c.PredictRaw(context.Background(), map[string]any{"transaction_id": "bad"})
	assert.Error(t, err)
	assert.False(t, retry.IsTransient(err))
}
