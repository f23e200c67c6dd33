// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/mbd888/peopledesk/internal/apperr"
	"github.com/mbd888/peopledesk/internal/auth"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/circuitbreaker"
	"github.com/mbd888/peopledesk/internal/config"
	"github.com/mbd888/peopledesk/internal/filestore"
	"github.com/mbd888/peopledesk/internal/health"
	"github.com/mbd888/peopledesk/internal/idgen"
	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/metrics"
	"github.com/mbd888/peopledesk/internal/payment"
	"github.com/mbd888/peopledesk/internal/provisioner"
	"github.com/mbd888/peopledesk/internal/ratelimit"
	"github.com/mbd888/peopledesk/internal/realtime"
	"github.com/mbd888/peopledesk/internal/reconciler"
	"github.com/mbd888/peopledesk/internal/security"
	"github.com/mbd888/peopledesk/internal/settings"
	"github.com/mbd888/peopledesk/internal/subscription"
	"github.com/mbd888/peopledesk/internal/sweeper"
	"github.com/mbd888/peopledesk/internal/syncutil"
	"github.com/mbd888/peopledesk/internal/tenant"
	"github.com/mbd888/peopledesk/internal/tenantdb"
	"github.com/mbd888/peopledesk/internal/traces"
	"github.com/mbd888/peopledesk/internal/validation"
	"github.com/mbd888/peopledesk/internal/webhooks"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// directoryStore is the landlord tenant directory plus its payment handoffs.
type directoryStore interface {
	tenant.Store
	tenant.PendingStore
	sweeper.PendingPurger
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	catalog   catalog.Store
	directory directoryStore
	settings  settings.Store
	tenantDBs tenantdb.Provider
	files     *filestore.Local
	locks     *syncutil.KeyedMutex

	reconciler    *reconciler.Service
	provisioner   *provisioner.Service
	subscriptions *subscription.Service
	payments      *payment.Handler

	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	emitter      *webhooks.Emitter
	stopEmitter  context.CancelFunc
	realtimeHub  *realtime.Hub
	sweepTimer   *sweeper.Timer
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter

	stripeCircuit *circuitbreaker.Breaker // nil unless Stripe is configured

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	closers       []func() error

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

// WithTenantDBProvider replaces the tenant database provider chosen from config.
func WithTenantDBProvider(p tenantdb.Provider) Option {
	return func(s *Server) {
		s.tenantDBs = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		locks:  syncutil.NewKeyedMutex(),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger/provider)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupTenantStorage(); err != nil {
		return nil, err
	}
	s.setupServices()
	s.setupHealthChecks()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage opens the landlord stores: Postgres if DATABASE_URL is set,
// otherwise in-memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory landlord storage")
		catalogStore := catalog.NewMemoryStore()
		directory := tenant.NewMemoryStore()
		catalogStore.SetReferenceChecker(directory)

		s.catalog = catalogStore
		s.directory = directory
		s.settings = settings.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()

		if s.cfg.IsDevelopment() {
			if err := seedDevelopmentCatalog(ctx, s.catalog); err != nil {
				return fmt.Errorf("failed to seed packages: %w", err)
			}
		}
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	if err := metrics.RegisterDB(db, "landlord"); err != nil {
		s.logger.Warn("database pool metrics unavailable", "error", err)
	}

	// Tenant locks must hold across replicas sharing this database.
	locker, err := syncutil.NewAdvisoryLocker(s.cfg.DatabaseURL, 10)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, locker.Close)
	s.locks.WithRemote(locker)

	catalogStore := catalog.NewPostgresStore(db)
	directory := tenant.NewPostgresStore(db)
	settingsStore := settings.NewPostgresStore(db)
	webhookStore := webhooks.NewPostgresStore(db)

	// Order matters: tenants reference packages.
	migrations := []struct {
		name string
		run  func(context.Context) error
	}{
		{"packages", catalogStore.Migrate},
		{"tenant directory", directory.Migrate},
		{"settings", settingsStore.Migrate},
		{"webhooks", webhookStore.Migrate},
	}
	for _, m := range migrations {
		if err := m.run(ctx); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", m.name, err)
		}
	}

	s.catalog = catalogStore
	s.directory = directory
	s.settings = settingsStore
	s.webhookStore = webhookStore
	return nil
}

// setupTenantStorage selects the isolated-database provider and the artifact
// file store.
func (s *Server) setupTenantStorage() error {
	if s.tenantDBs == nil {
		switch s.cfg.TenantDBDriver {
		case config.DriverPostgres:
			p, err := tenantdb.NewPostgresProvider(s.cfg.TenantDBAdminURL)
			if err != nil {
				return fmt.Errorf("failed to open tenant db server: %w", err)
			}
			s.tenantDBs = p
			s.closers = append(s.closers, p.Close)
			s.logger.Info("tenant databases on PostgreSQL", "url", maskDSN(s.cfg.TenantDBAdminURL))
		default:
			p, err := tenantdb.NewSQLiteProvider(s.cfg.TenantDBDir)
			if err != nil {
				return err
			}
			s.tenantDBs = p
			s.logger.Info("tenant databases on SQLite", "dir", s.cfg.TenantDBDir)
		}
	}

	files, err := filestore.NewLocal(s.cfg.TenantsDir)
	if err != nil {
		return err
	}
	s.files = files
	return nil
}

// setupServices builds the orchestrators and their collaborators. All of
// them share one per-tenant lock.
func (s *Server) setupServices() {
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	s.emitter = webhooks.NewEmitter(s.webhooks, s.logger)
	events := realtime.NewFanout(s.realtimeHub, s.emitter)

	gateways := payment.NewRouter().
		Register(payment.MethodOffline, payment.NewOffline(s.cfg.PublicBaseURL))
	if s.cfg.StripeEnabled() {
		s.stripeCircuit = circuitbreaker.New("stripe", 5, 30*time.Second)
		stripeGateway := payment.NewStripe(payment.StripeConfig{
			SecretKey:  s.cfg.StripeSecretKey,
			SuccessURL: s.cfg.PublicBaseURL + "/payments/success",
			CancelURL:  s.cfg.PublicBaseURL + "/payments/cancelled",
		}, s.stripeCircuit)
		gateways.Register(payment.MethodStripe, stripeGateway)
		s.logger.Info("stripe payments enabled")
	}

	s.reconciler = reconciler.NewService(s.directory, s.catalog, s.tenantDBs, s.locks)

	provCfg := provisioner.DefaultConfig()
	provCfg.CentralDomain = s.cfg.CentralDomain
	provCfg.Currency = s.cfg.Currency
	s.provisioner = provisioner.NewService(
		s.directory, s.directory, s.catalog, s.settings, s.tenantDBs, s.locks, provCfg,
	).
		WithFileStore(s.files).
		WithPayments(gateways).
		WithEvents(events)

	s.subscriptions = subscription.NewService(
		s.directory, s.directory, s.catalog, s.settings, s.tenantDBs, s.locks, s.reconciler,
	).
		WithPayments(gateways, s.cfg.Currency).
		WithEvents(events)

	sweep := sweeper.New(s.directory, s.logger).WithTTL(s.cfg.PendingCheckoutTTL)
	s.sweepTimer = sweeper.NewTimer(sweep, s.logger).WithInterval(s.cfg.SweepInterval)

	s.payments = payment.NewHandler(s.cfg.StripeWebhookSecret).
		OnComplete(payment.PurposeSignup, payment.CompleterFunc(s.completeSignup)).
		OnComplete(payment.PurposeRenewal, payment.CompleterFunc(s.completeRenewal))
}

func (s *Server) completeSignup(ctx context.Context, correlationID string) (apperr.Result, error) {
	res, err := s.provisioner.CompleteSignup(ctx, correlationID)
	if err != nil {
		return apperr.From(err), err
	}
	return apperr.Success("Tenant "+res.TenantID+" provisioned at "+res.Domain, http.StatusOK), nil
}

func (s *Server) completeRenewal(ctx context.Context, correlationID string) (apperr.Result, error) {
	res, err := s.subscriptions.CompleteRenewal(ctx, correlationID)
	if err != nil {
		return apperr.From(err), err
	}
	return apperr.Success("Subscription of tenant "+res.TenantID+" renewed", http.StatusOK), nil
}

func (s *Server) setupHealthChecks() {
	if s.db != nil {
		s.health.Register("landlord_db", health.Ping(s.db.PingContext))
	}
	switch p := s.tenantDBs.(type) {
	case *tenantdb.PostgresProvider:
		s.health.Register("tenant_db", health.Ping(p.Ping))
	case *tenantdb.SQLiteProvider:
		s.health.Register("tenant_db", health.Writable(p.Dir))
	}
	s.health.Register("tenant_files", health.Writable(s.files.Root))

	if s.stripeCircuit != nil {
		s.health.RegisterOptional("stripe", func(context.Context) health.Status {
			snap := s.stripeCircuit.Snapshot()
			if s.stripeCircuit.State() == circuitbreaker.StateOpen {
				return health.Status{Detail: "circuit open until " + snap.RetryAfter.UTC().Format(time.RFC3339)}
			}
			return health.Status{Healthy: true, Detail: snap.State}
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(security.DefaultCORSConfig(s.cfg.PublicBaseURL, s.cfg.IsDevelopment())))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Applied per route group in setupRoutes. Signups create databases, so
	// they get a quarter of the budget.
	signupRate := max(s.cfg.RateLimitRPS/4, 1)
	s.rateLimiter = ratelimit.New(ratelimit.PerSecond(s.cfg.RateLimitRPS).
		WithScope("signup", ratelimit.Rule{Rate: float64(signupRate), Burst: signupRate}))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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

	s.router.GET("/", s.infoHandler)
	s.router.GET("/payments/offline", s.offlinePaymentHandler)

	// Tenant lifecycle stream for operators
	s.router.GET("/ws", auth.RequireAdmin(s.cfg.AdminSecret), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	catalogHandler := catalog.NewHandler(s.catalog)
	tenantHandler := tenant.NewHandler(s.directory, s.catalog)
	settingsHandler := settings.NewHandler(s.settings)
	provisionerHandler := provisioner.NewHandler(s.provisioner)
	subscriptionHandler := subscription.NewHandler(s.subscriptions)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhooks)

	// Public API
	v1 := s.router.Group("/v1")
	catalogHandler.RegisterRoutes(v1)
	s.payments.RegisterRoutes(v1)
	provisionerHandler.RegisterRoutes(v1.Group("", s.rateLimiter.Middleware("signup")))
	subscriptionHandler.RegisterRoutes(v1.Group("", s.rateLimiter.Middleware("renewal")))

	// Landlord administration
	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	catalogHandler.RegisterAdminRoutes(admin)
	settingsHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	s.payments.RegisterAdminRoutes(admin)

	tenants := admin.Group("", validation.TenantIDParamMiddleware())
	tenantHandler.RegisterAdminRoutes(tenants)
	provisionerHandler.RegisterAdminRoutes(tenants)
	subscriptionHandler.RegisterAdminRoutes(tenants)
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	payments := gin.H{"offline": true, "stripe": s.stripeCircuit != nil}
	if s.stripeCircuit != nil {
		payments["stripeCircuit"] = s.stripeCircuit.Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{
		"name":          "peopledesk-landlord",
		"version":       Version,
		"centralDomain": s.cfg.CentralDomain,
		"currency":      s.cfg.Currency,
		"payments":      payments,
		"realtime":      s.realtimeHub.Stats(),
	})
}

// offlinePaymentHandler is where the offline gateway sends customers.
func (s *Server) offlinePaymentHandler(c *gin.Context) {
	correlationID := c.Query("correlationId")
	if correlationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "correlationId is required",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"correlationId": correlationID,
		"purpose":       c.Query("purpose"),
		"message":       "Your request is waiting for payment. Quote the reference above when paying; it is activated once an administrator confirms the payment.",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"central_domain", s.cfg.CentralDomain,
			"tenant_db_driver", s.cfg.TenantDBDriver,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweepTimer.Start(runCtx)

	// Outlives runCtx so events from draining requests still go out.
	emitCtx, stopEmitter := context.WithCancel(context.Background())
	s.stopEmitter = stopEmitter
	go s.emitter.Run(emitCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight webhook deliveries finish before the stores close.
	if s.stopEmitter != nil {
		s.stopEmitter()
		select {
		case <-s.emitter.Done():
		case <-ctx.Done():
			s.logger.Warn("webhook queue not flushed before shutdown deadline")
		}
	}
	s.webhooks.Wait()
	s.logger.Info("webhook deliveries drained")

	s.sweepTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			s.logger.Error("close error", "error", err)
		}
	}

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
