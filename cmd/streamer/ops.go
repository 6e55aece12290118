package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

// healthResponse is the body of both health routes.
type healthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// opsRouter serves /metrics, /health/live and /health/ready. A streamer
// whose alert sink is latched as corrupted cannot make progress, so both
// health routes answer 503 once any check fails.
func opsRouter(checks *health.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/metrics", metrics.Handler())

	report := func(okStatus string) gin.HandlerFunc {
		return func(c *gin.Context) {
			ok, statuses := checks.CheckAll(c.Request.Context())
			status, code := okStatus, http.StatusOK
			if !ok {
				status, code = "degraded", http.StatusServiceUnavailable
			}
			c.JSON(code, healthResponse{
				Status:    status,
				Checks:    statuses,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
	r.GET("/health/live", report("alive"))
	r.GET("/health/ready", report("ready"))
	return r
}
