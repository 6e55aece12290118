package scoring

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Handler provides the scoring HTTP boundary
type Handler struct {
	engine  *Engine
	workers int
}

// NewHandler creates a scoring handler. workers bounds batch parallelism.
func NewHandler(engine *Engine, workers int) *Handler {
	return &Handler{engine: engine, workers: workers}
}

// errNotLoaded is returned while the encoder state or the model is missing.
var errNotLoaded = errors.New("encoder state or model not loaded")

// RegisterRoutes sets up scoring routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/predict", h.requireEngine, h.Predict)
	r.POST("/batch-predict", h.requireEngine, h.BatchPredict)
	r.GET("/health", h.Health)
}

func (h *Handler) requireEngine(c *gin.Context) {
	if encoder, model := h.engine.Loaded(); !encoder || !model {
		errorJSON(c, errNotLoaded)
		c.Abort()
		return
	}
	c.Next()
}

func errorJSON(c *gin.Context, err error) {
	status := http.StatusBadRequest
	class := ErrorClass(err)
	if class == ClassServiceDegraded {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"error":   class,
		"kind":    ErrorKind(err),
		"message": err.Error(),
	})
}

// Predict handles POST /predict
func (h *Handler) Predict(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorJSON(c, &transaction.SchemaError{Reason: "unreadable request body"})
		return
	}
	rec, err := transaction.Decode(body)
	if err != nil {
		errorJSON(c, err)
		return
	}

	pred, err := h.engine.Score(c.Request.Context(), rec)
	if err != nil {
		logging.L(c.Request.Context()).Warn("prediction failed",
			"transaction_id", rec.TransactionID, "kind", ErrorKind(err), "error", err)
		errorJSON(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("prediction",
		"transaction_id", pred.TransactionID,
		"fraud_probability", pred.FraudProbability,
		"risk_level", pred.RiskLevel,
	)
	c.JSON(http.StatusOK, pred)
}

// BatchPredict handles POST /batch-predict. Every element gets a result in
// input order; invalid elements come back as failure markers.
func (h *Handler) BatchPredict(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorJSON(c, &transaction.SchemaError{Reason: "unreadable request body"})
		return
	}
	items, err := transaction.DecodeBatch(body)
	if err != nil {
		errorJSON(c, err)
		return
	}

	outcomes := h.engine.ScoreBatch(c.Request.Context(), items, h.workers)
	preds := make([]Prediction, len(outcomes))
	failed := 0
	for i, o := range outcomes {
		preds[i] = o.Prediction
		if o.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		logging.L(c.Request.Context()).Warn("batch had failed records", "total", len(preds), "failed", failed)
	}
	c.JSON(http.StatusOK, preds)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	encoder, model := h.engine.Loaded()
	if encoder && model {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        "scoring",
			"model_loaded":   true,
			"encoder_loaded": true,
			"model_kind":     h.engine.ModelKind(),
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":         "unhealthy",
		"service":        "scoring",
		"model_loaded":   model,
		"encoder_loaded": encoder,
		"error":          ClassServiceDegraded,
	})
}
