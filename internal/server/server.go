// Package server wires the settlement engine together and exposes it
// over HTTP.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
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

	"github.com/doerly/settlement/internal/admin"
	"github.com/doerly/settlement/internal/auth"
	"github.com/doerly/settlement/internal/circuitbreaker"
	"github.com/doerly/settlement/internal/config"
	"github.com/doerly/settlement/internal/contracts"
	"github.com/doerly/settlement/internal/currency"
	"github.com/doerly/settlement/internal/disputes"
	"github.com/doerly/settlement/internal/events"
	"github.com/doerly/settlement/internal/gateway"
	"github.com/doerly/settlement/internal/health"
	"github.com/doerly/settlement/internal/logging"
	"github.com/doerly/settlement/internal/membership"
	"github.com/doerly/settlement/internal/metrics"
	"github.com/doerly/settlement/internal/payments"
	"github.com/doerly/settlement/internal/ratelimit"
	"github.com/doerly/settlement/internal/reconcile"
	"github.com/doerly/settlement/internal/security"
	"github.com/doerly/settlement/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	gw              gateway.Gateway
	rateProvider    currency.RateProvider
	converter       *currency.Converter
	refresher       *currency.Refresher
	membershipSvc   *membership.Service
	paymentSvc      *payments.Service
	contractSvc     *contracts.Service
	disputeSvc      *disputes.Service
	dispatcher      *events.Dispatcher
	publisher       *events.Publisher
	eventStore      events.Store
	paymentStore    payments.Store
	contractTimer   *contracts.Timer
	disputeTimer    *disputes.Timer
	reconcileRunner *reconcile.Runner
	reconcileTimer  *reconcile.Timer
	rateLimiter     *ratelimit.Limiter
	checks          *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gw = gw
	}
}

// WithRateProvider sets a custom exchange rate provider (for testing)
func WithRateProvider(p currency.RateProvider) Option {
	return func(s *Server) {
		s.rateProvider = p
	}
}

// Demo rates for mock mode, so contracts priced in local currencies
// settle without an external rate feed.
var demoRates = map[string]string{
	"UZS": "0.000079",
	"KZT": "0.0021",
	"RUB": "0.011",
	"EUR": "1.09",
	"GBP": "1.27",
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/rates/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Payment gateway
	if s.gw == nil {
		switch cfg.GatewayProvider {
		case "paypal":
			s.gw = gateway.NewPayPalClient(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalSecret)
			s.logger.Info("using PayPal gateway", "baseUrl", cfg.PayPalBaseURL)
		case "stripe":
			s.gw = gateway.NewStripeClient(cfg.StripeAPIKey)
			s.logger.Info("using Stripe gateway")
		default:
			s.gw = gateway.NewMockGateway()
			s.logger.Info("using mock gateway (demo mode)")
		}
	}

	// Exchange rates
	if s.rateProvider == nil {
		if cfg.RateProviderURL != "" {
			s.rateProvider = currency.NewHTTPRateProvider(cfg.RateProviderURL)
			s.logger.Info("using HTTP rate provider", "url", cfg.RateProviderURL)
		} else {
			static := currency.NewStaticRateProvider()
			for _, local := range cfg.LocalCurrencies {
				rate, ok := demoRates[local]
				if !ok {
					rate = "1"
				}
				static.SetRate(local, cfg.SettlementCurrency, rate)
			}
			s.rateProvider = static
			s.logger.Info("using static demo exchange rates", "currencies", cfg.LocalCurrencies)
		}
	}
	s.converter = currency.NewConverter(s.rateProvider, 5*time.Minute, time.Hour)

	pairs := make([][2]string, 0, len(cfg.LocalCurrencies))
	for _, local := range cfg.LocalCurrencies {
		pairs = append(pairs, [2]string{local, cfg.SettlementCurrency})
	}
	s.refresher = currency.NewRefresher(s.converter, pairs, 5*time.Minute, s.logger)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		memberStore   membership.Store
		contractStore contracts.Store
		disputeStore  disputes.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.paymentStore = payments.NewPostgresStore(db)
		contractStore = contracts.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		memberStore = membership.NewPostgresStore(db)
		s.eventStore = events.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.paymentStore = payments.NewMemoryStore()
		contractStore = contracts.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		memberStore = membership.NewMemoryStore()
		s.eventStore = events.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Settlement event publishing
	s.dispatcher = events.NewDispatcher(s.eventStore, s.logger)
	s.publisher = events.NewPublisher(s.dispatcher, s.logger)

	// Services
	s.membershipSvc = membership.NewService(memberStore)

	s.paymentSvc = payments.NewService(s.paymentStore, s.gw, s.converter, cfg.SettlementCurrency, s.logger).
		WithBreaker(circuitbreaker.New(5, 30*time.Second)).
		WithPublisher(s.publisher)

	s.contractSvc = contracts.NewService(contractStore, s.membershipSvc, s.logger).
		WithReleaser(&escrowReleaser{s.paymentSvc}).
		WithPublisher(s.publisher)

	// Payments mirror status changes onto the linked contract.
	s.paymentSvc.WithContractMirror(s.contractSvc)

	s.disputeSvc = disputes.NewService(disputeStore, s.contractSvc, s.paymentSvc, s.membershipSvc, s.logger).
		WithPublisher(s.publisher)

	// Background sweeps
	s.contractTimer = contracts.NewTimer(s.contractSvc, s.logger)
	s.disputeTimer = disputes.NewTimer(s.disputeSvc, s.logger)
	s.reconcileRunner = reconcile.NewRunner(s.paymentStore, s.logger)
	s.reconcileTimer = reconcile.NewTimer(s.reconcileRunner, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Gateway webhook is authenticated by its HMAC signature, not a
	// user token, so it sits outside the JWT group.
	webhookHandler := payments.NewWebhookHandler(s.paymentSvc, s.cfg.GatewayWebhookSecret)
	webhookHandler.RegisterRoutes(v1)

	// Everything else requires a bearer token carrying user id + role.
	verifier := auth.NewVerifier(s.cfg.JWTSecret)
	authed := v1.Group("", auth.Middleware(verifier))

	payments.NewHandler(s.paymentSvc).RegisterRoutes(authed)
	contracts.NewHandler(s.contractSvc).RegisterRoutes(authed)
	disputes.NewHandler(s.disputeSvc).RegisterRoutes(authed)
	events.NewHandler(s.eventStore).RegisterRoutes(authed)

	admin.NewHandler().
		WithSweeper(s.reconcileRunner).
		WithPendingLister(s.paymentStore).
		WithCompletionSweeper(s.contractSvc).
		WithEscalationSweeper(s.disputeSvc).
		RegisterRoutes(authed)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Settlement Engine",
		"description": "Contract settlement and escrow for the marketplace",
		"version":     "0.1.0",
		"gateway":     s.cfg.GatewayProvider,
		"currency":    s.cfg.SettlementCurrency,
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.cfg.GatewayProvider,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Keep exchange rates warm
	go s.refresher.Start(runCtx)

	// Contract auto-completion sweep
	go s.contractTimer.Start(runCtx)

	// Dispute escalation sweep
	go s.disputeTimer.Start(runCtx)

	// Stuck-payment reconciliation sweep
	go s.reconcileTimer.Start(runCtx)

	// DB pool metrics
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
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

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (timers, refresher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop contract sweep timer
	if s.contractTimer != nil {
		s.contractTimer.Stop()
		s.logger.Info("contract timer stopped")
	}

	// Stop dispute escalation timer
	if s.disputeTimer != nil {
		s.disputeTimer.Stop()
		s.logger.Info("dispute timer stopped")
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconcile timer stopped")
	}

	// Stop rate refresher
	if s.refresher != nil {
		s.refresher.Stop()
		s.logger.Info("rate refresher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// escrowReleaser adapts payments.Service to contracts.EscrowReleaser so
// contract completion can release held escrow without a package cycle.
type escrowReleaser struct {
	ps *payments.Service
}

func (r *escrowReleaser) Release(ctx context.Context, paymentID, actorID string, resolver bool) error {
	_, err := r.ps.ReleaseEscrow(ctx, paymentID, payments.Actor{UserID: actorID, Resolver: resolver})
	return err
}
