package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Error kinds specific to the alert boundary.
const (
	KindInvalid    = "invalid"
	KindCorruption = "corruption"
)

// AppendRequest is the POST /alert body.
type AppendRequest struct {
	Transaction json.RawMessage    `json:"transaction"`
	Prediction  scoring.Prediction `json:"prediction"`
}

// AppendResponse is the POST /alert reply.
type AppendResponse struct {
	Status string `json:"status"`
	Alert  *Alert `json:"alert"`
}

// RecentResponse is the GET /alerts/recent reply.
type RecentResponse struct {
	Alerts []*Alert `json:"alerts"`
	Count  int      `json:"count"`
}

// Handler provides the alert HTTP boundary.
type Handler struct {
	service *Service
}

// NewHandler creates a new alert handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/alert", h.Append)
	r.GET("/alerts/recent", h.Recent)
	r.GET("/alerts/summary", h.Summary)
	r.GET("/alerts/health", h.Health)
}

func errorJSON(c *gin.Context, err error) {
	status, class, kind := http.StatusServiceUnavailable, scoring.ClassServiceDegraded, scoring.KindInternal
	switch {
	case transaction.IsSchemaError(err):
		status, class, kind = http.StatusBadRequest, scoring.ClassBadInput, scoring.KindSchema
	case IsInvalid(err):
		status, class, kind = http.StatusBadRequest, scoring.ClassBadInput, KindInvalid
	case IsCorruption(err):
		kind = KindCorruption
	case retry.IsTransient(err):
		kind = scoring.KindTransient
	}
	c.JSON(status, gin.H{
		"error":   class,
		"kind":    kind,
		"message": err.Error(),
	})
}

// Append handles POST /alert
func (h *Handler) Append(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorJSON(c, &transaction.SchemaError{Reason: "unreadable request body"})
		return
	}
	var req AppendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorJSON(c, &transaction.SchemaError{Reason: "malformed JSON: " + err.Error()})
		return
	}
	if len(req.Transaction) == 0 {
		errorJSON(c, &transaction.SchemaError{Field: "transaction", Reason: "is required"})
		return
	}
	txn, err := transaction.Decode(req.Transaction)
	if err != nil {
		errorJSON(c, err)
		return
	}

	alert, created, err := h.service.Append(c.Request.Context(), txn, req.Prediction)
	if err != nil {
		errorJSON(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, AppendResponse{Status: "duplicate", Alert: alert})
		return
	}
	c.JSON(http.StatusCreated, AppendResponse{Status: "alert_created", Alert: alert})
}

// Recent handles GET /alerts/recent?limit=N. Limits above MaxRecentLimit
// are lowered to it.
func (h *Handler) Recent(c *gin.Context) {
	limit := DefaultRecentLimit
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			errorJSON(c, &InvalidAlertError{Reason: "limit must be a non-negative integer"})
			return
		}
		limit = min(parsed, MaxRecentLimit)
	}

	alerts, err := h.service.Recent(c.Request.Context(), limit)
	if err != nil {
		errorJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, RecentResponse{Alerts: alerts, Count: len(alerts)})
}

// Summary handles GET /alerts/summary
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context())
	if err != nil {
		errorJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Health handles GET /alerts/health
func (h *Handler) Health(c *gin.Context) {
	if err := h.service.Healthy(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "alerts",
			"error":   scoring.ClassServiceDegraded,
			"kind":    KindCorruption,
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"service":      "alerts",
		"dedup_window": h.service.Window().String(),
	})
}
