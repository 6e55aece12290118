// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/validation"
	"github.com/mbd888/fraudwatch/internal/webhooks"
	"github.com/mbd888/fraudwatch/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server hosts the scoring and alert boundaries, the live alert feed, health
// and metrics.
type Server struct {
	cfg          *config.Config
	engine       *scoring.Engine // nil while artifacts are missing
	alerts       *alerts.Service
	realtimeHub  *realtime.Hub
	webhooks     *webhooks.Dispatcher // nil unless ALERT_WEBHOOK_URLS is set
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil unless ALERT_STORE=postgres
	redis        *redis.Client // nil unless REDIS_URL is set
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEngine uses e instead of loading artifacts from disk (for testing).
func WithEngine(e *scoring.Engine) Option {
	return func(s *Server) {
		s.engine = e
	}
}

// WithAlertService uses svc instead of opening the configured store (for testing).
func WithAlertService(svc *alerts.Service) Option {
	return func(s *Server) {
		s.alerts = svc
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.engine == nil {
		engine, err := s.loadEngine(ctx)
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}

	if s.alerts == nil {
		svc, err := s.openAlerts(ctx)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.alerts = svc
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	notifiers := alerts.Notifiers{s.realtimeHub}
	if len(cfg.AlertWebhookURLs) > 0 {
		s.webhooks = webhooks.NewDispatcher(cfg.AlertWebhookURLs, cfg.AlertWebhookSecret, s.logger).
			WithPolicy(s.retryPolicy())
		notifiers = append(notifiers, s.webhooks)
	}
	s.alerts.WithNotifier(notifiers)

	s.registerHealthChecks()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// retryPolicy is the policy for calls to remote peers.
func (s *Server) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    s.cfg.RetryAttempts,
		BaseDelay:      s.cfg.RetryBaseDelay,
		MaxDelay:       10 * s.cfg.RetryBaseDelay,
		AttemptTimeout: s.cfg.RemoteTimeout,
	}
}

// loadEngine reads the encoding state and the model. Missing artifact files
// leave the scoring boundary unloaded (it answers 503) so the alert side can
// still serve; any other load failure is fatal.
func (s *Server) loadEngine(ctx context.Context) (*scoring.Engine, error) {
	state, err := feature.LoadFile(s.cfg.EncoderStatePath)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("encoder state not found, scoring unavailable", "path", s.cfg.EncoderStatePath)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load encoder state: %w", err)
	}

	var model classifier.Model
	if s.cfg.ClassifierURL != "" {
		model, err = classifier.NewRemoteModel(ctx, s.cfg.ClassifierURL, s.cfg.RemoteTimeout, s.retryPolicy())
		if err != nil {
			return nil, err
		}
		s.logger.Info("using remote classifier", "url", s.cfg.ClassifierURL)
	} else {
		model, err = classifier.LoadArtifactFile(s.cfg.ModelPath)
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("model artifact not found, scoring unavailable", "path", s.cfg.ModelPath)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
	}

	engine, err := scoring.NewEngine(state, model)
	if err != nil {
		return nil, err
	}
	s.logger.Info("scoring engine loaded", "model_kind", engine.ModelKind(), "columns", len(state.Columns))
	return engine, nil
}

// openAlerts opens the configured alert store and, if REDIS_URL is set, the
// cross-replica dedup guard.
func (s *Server) openAlerts(ctx context.Context) (*alerts.Service, error) {
	var store alerts.Store
	switch s.cfg.AlertStore {
	case config.StorePostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		store = alerts.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL alert store", "url", maskDSN(s.cfg.DatabaseURL))

	case config.StoreFile:
		fileStore, err := alerts.OpenFileStore(s.cfg.AlertLogPath, s.logger)
		if err != nil {
			return nil, err
		}
		store = fileStore
		s.logger.Info("using file alert store", "path", fileStore.Path())

	default:
		store = alerts.NewMemoryStore()
		s.logger.Warn("using in-memory alert store, alerts are lost on restart")
	}

	svc := alerts.NewService(store, s.cfg.DedupWindow, s.logger)

	if s.cfg.RedisURL != "" {
		guard, client, err := alerts.DialRedisGuard(ctx, s.cfg.RedisURL)
		if err != nil {
			_ = svc.Close()
			return nil, err
		}
		s.redis = client
		svc.WithGuard(guard)
		s.logger.Info("alert dedup guard enabled", "redis", maskDSN(s.cfg.RedisURL))
	}

	return svc, nil
}

func (s *Server) registerHealthChecks() {
	s.health.Register("scoring", func(_ context.Context) health.Status {
		encoder, model := s.engine.Loaded()
		st := health.Status{Name: "scoring", Healthy: encoder && model}
		if !st.Healthy {
			st.Detail = fmt.Sprintf("encoder_loaded=%v model_loaded=%v", encoder, model)
		}
		return st
	})
	s.health.Register("alert_store", s.alerts.Latch().Checker("alert_store"))

	if s.db != nil {
		db := s.db
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.redis != nil {
		rdb := s.redis
		s.health.Register("redis", func(ctx context.Context) health.Status {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   scoring.ClassServiceDegraded,
			"kind":    scoring.KindInternal,
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = s.cfg.RateLimitBurst
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidIdentifier(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes and scrapes would drown everything else
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	root := &s.router.RouterGroup

	// Scoring boundary: /predict, /batch-predict, /health
	scoring.NewHandler(s.engine, s.cfg.Workers).RegisterRoutes(root)

	// Alert boundary: /alert, /alerts/recent, /alerts/summary, /alerts/health
	alerts.NewHandler(s.alerts).RegisterRoutes(root)

	// Local models are also served to RemoteModel peers.
	if s.engine != nil && s.cfg.ClassifierURL == "" {
		classifier.NewHandler(s.engine.Classifier(), s.engine.ModelKind()).RegisterRoutes(root)
	}

	// Live alert feed
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// ReadinessResponse is the body of GET /health/ready.
type ReadinessResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports ready only once Run has started and every
// registered subsystem check passes.
func (s *Server) readinessHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "ready", http.StatusOK
	switch {
	case !s.ready.Load():
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	case !ok:
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		encoder, model := s.engine.Loaded()
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"alert_store", s.cfg.AlertStore,
			"encoder_loaded", encoder,
			"model_loaded", model,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	if s.webhooks != nil {
		go s.webhooks.Run(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.closeStores()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return nil
}

// closeStores releases the alert store, redis and the database pool, in
// that order. Safe to call when any of them is nil.
func (s *Server) closeStores() {
	if s.alerts != nil {
		if err := s.alerts.Close(); err != nil {
			s.logger.Error("alert store close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
