package classifier

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves a local model to RemoteModel clients in other processes.
type Handler struct {
	classifier *Classifier
	kind       string
}

// NewHandler creates a classifier handler. kind is reported on GET /model.
func NewHandler(c *Classifier, kind string) *Handler {
	return &Handler{classifier: c, kind: kind}
}

// RegisterRoutes sets up classifier routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/model", h.Info)
	r.POST("/score", h.Score)
}

// Info handles GET /model
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, ModelInfo{Kind: h.kind, Columns: h.classifier.Columns()})
}

// Score handles POST /score
func (h *Handler) Score(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_input",
			"kind":    "schema",
			"message": "Invalid request body",
		})
		return
	}
	if !SameColumns(req.Columns, h.classifier.Columns()) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_input",
			"kind":    "scoring",
			"message": "feature columns do not match the model layout",
		})
		return
	}

	res, err := h.classifier.Score(c.Request.Context(), req.Features)
	if err != nil {
		status, class, kind := http.StatusServiceUnavailable, "service_degraded", "transient"
		if IsScoringError(err) {
			status, class, kind = http.StatusBadRequest, "bad_input", "scoring"
		}
		c.JSON(status, gin.H{"error": class, "kind": kind, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ScoreResponse{Probability: res.Probability})
}
