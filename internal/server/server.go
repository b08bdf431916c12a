// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gigmesh/gigmesh/internal/balance"
	"github.com/gigmesh/gigmesh/internal/chain"
	"github.com/gigmesh/gigmesh/internal/config"
	"github.com/gigmesh/gigmesh/internal/escrow"
	"github.com/gigmesh/gigmesh/internal/gigs"
	"github.com/gigmesh/gigmesh/internal/logging"
	"github.com/gigmesh/gigmesh/internal/metrics"
	"github.com/gigmesh/gigmesh/internal/order"
	"github.com/gigmesh/gigmesh/internal/ratelimit"
	"github.com/gigmesh/gigmesh/internal/realtime"
	"github.com/gigmesh/gigmesh/internal/relay"
	"github.com/gigmesh/gigmesh/internal/secrets"
	"github.com/gigmesh/gigmesh/internal/security"
	"github.com/gigmesh/gigmesh/internal/validation"
	"github.com/gigmesh/gigmesh/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainBackend is everything the server and its services need from the
// chain client. *chain.Client satisfies it; tests inject a fake.
type ChainBackend interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	StableBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TransferStable(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.TxResult, error)
	Invoke(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, calldata []byte) (*chain.TxResult, error)
	PackTransferStable(to common.Address, amount *big.Int) ([]byte, error)
	PackApproveStable(spender common.Address, amount *big.Int) ([]byte, error)
	PackCreateJob(jobID [32]byte, seller common.Address, amount *big.Int) ([]byte, error)
	ReleaseJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*chain.TxResult, error)
	RefundJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*chain.TxResult, error)
	IsDeployed(ctx context.Context, addr common.Address) (bool, error)
	StableToken() common.Address
	EscrowContract() common.Address
	Close() error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg   *config.Config
	chain ChainBackend

	orderStore  order.Store
	gigStore    gigs.Store
	walletSvc   *wallet.Service
	orderSvc    *order.Service
	coordinator *escrow.Coordinator
	outbox      escrow.OutboxStore
	escrowTimer *escrow.Timer
	balances    *balance.Cache
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithChain sets a custom chain backend (for testing)
func WithChain(c ChainBackend) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chain/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var outbox escrow.OutboxStore
	var walletStore wallet.Store
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
		s.orderStore = order.NewPostgresStore(db)
		s.gigStore = gigs.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		outbox = escrow.NewPostgresOutbox(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.orderStore = order.NewMemoryStore()
		s.gigStore = gigs.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		outbox = escrow.NewMemoryOutbox()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.outbox = outbox

	// Chain client unless injected
	if s.chain == nil {
		c, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			ChainID:        cfg.ChainID,
			StableToken:    cfg.StableTokenContract,
			EscrowContract: cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chain = c
	}

	secretStore, err := secrets.New(cfg.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret store: %w", err)
	}

	// Fee-sponsoring relay, only when configured
	var relayClient wallet.RelayClient
	if cfg.RelayURL != "" {
		relayClient = relay.New(cfg.RelayURL)
		s.logger.Info("custody relay enabled", "url", cfg.RelayURL)
	}

	s.balances = balance.New(s.chain, balance.DefaultTTL)

	s.walletSvc, err = wallet.New(walletStore, secretStore, s.chain, relayClient, s.balances, wallet.Config{
		AccountFactory:      cfg.AccountFactory,
		AccountInitCodeHash: cfg.AccountInitCodeHash,
		AccountInitCode:     cfg.AccountInitCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet service: %w", err)
	}

	s.coordinator, err = escrow.New(escrow.Config{
		Mode:        escrow.Mode(cfg.EscrowMode),
		PlatformKey: cfg.PlatformKey,
	}, s.walletSvc, s.chain, &orderRefsAdapter{s.orderStore}, outbox, s.balances)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow coordinator: %w", err)
	}
	s.escrowTimer = escrow.NewTimer(s.coordinator, outbox, escrow.DefaultTimerInterval, s.logger)
	s.logger.Info("escrow enabled", "mode", cfg.EscrowMode)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.orderSvc = order.NewService(
		s.orderStore,
		s.gigStore,
		&escrowPayments{s.coordinator},
		s.gigStore,
	).WithNotifier(s.realtimeHub)

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
		limiterCfg.BurstSize = s.cfg.RateLimitRPS * 2
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

	// WebSocket for real-time order events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	v1.GET("/platform", s.platformHandler)

	// Agent accounts
	v1.POST("/agents", s.registerAgent)
	v1.GET("/agents/:address", s.getAgent)
	v1.GET("/agents/:address/orders", s.listAgentOrders)
	v1.GET("/agents/:address/stats", s.getSellerStats)
	v1.POST("/agents/:address/withdraw", s.withdraw)
	v1.POST("/agents/:address/withdraw/signed", s.signedWithdraw)
	v1.GET("/agents/:address/custody", s.getCustody)
	v1.POST("/agents/:address/cosigners", s.addCoSigner)

	// Gigs (the minimal directory orders are placed against)
	v1.POST("/gigs", s.createGig)
	v1.GET("/gigs/:id", s.getGig)

	// Orders
	v1.POST("/orders", s.createOrder)
	v1.GET("/orders/:id", s.getOrder)
	v1.POST("/orders/:id/transition", s.transitionOrder)
	v1.POST("/orders/:id/deliver", s.deliverOrder)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.chain.StableBalance(ctx, s.coordinator.PlatformAddress()); err != nil {
		checks["rpc"] = "unhealthy"
	} else {
		checks["rpc"] = "healthy"
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Gigmesh",
		"description": "Order lifecycle and escrow settlement for agent gig work",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "USDC",
	})
}

// platformHandler returns platform info including the custodial address
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":            "Gigmesh",
			"version":         "0.1.0",
			"escrow_mode":     s.cfg.EscrowMode,
			"platform_addr":   s.coordinator.PlatformAddress().Hex(),
			"chain_id":        s.cfg.ChainID,
			"stable_contract": s.cfg.StableTokenContract,
		},
		"instructions": gin.H{
			"register": "POST /v1/agents with {kind: simple|custody} to get a funded-ready account.",
			"order":    "POST /v1/orders with pay_now=true to lock funds in escrow at creation.",
			"withdraw": "POST /v1/agents/{address}/withdraw, or /withdraw/signed with an owner signature.",
		},
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
			"escrow_mode", s.cfg.EscrowMode,
			"platform", s.coordinator.PlatformAddress().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start settlement retry timer
	s.escrowTimer.Start()

	// Sample DB pool stats for Prometheus
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

	// Cancel the context for all background goroutines (hub, collectors)
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

	// Stop settlement retry timer
	s.escrowTimer.Stop()
	s.logger.Info("settlement timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain connection
	if err := s.chain.Close(); err != nil {
		s.logger.Error("chain client close error", "error", err)
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

// escrowPayments adapts the escrow coordinator to the order service's
// Payments port, mapping escrow failures onto the order package's
// sentinels.
type escrowPayments struct {
	coord *escrow.Coordinator
}

func (p *escrowPayments) Lock(ctx context.Context, o *order.Order) (string, error) {
	ref, err := p.coord.Lock(ctx, o.ID, o.BuyerAddr, o.SellerAddr, o.Price)
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return "", fmt.Errorf("%w: %v", order.ErrInsufficientFunds, err)
	case errors.Is(err, escrow.ErrNoCredential):
		return "", fmt.Errorf("%w: %v", order.ErrNoCredential, err)
	default:
		return "", err
	}
}

func (p *escrowPayments) Release(ctx context.Context, o *order.Order) error {
	return p.coord.Release(ctx, o.ID, o.BuyerAddr, o.SellerAddr, o.Price, o.LockRef)
}

func (p *escrowPayments) Refund(ctx context.Context, o *order.Order) error {
	return p.coord.Refund(ctx, o.ID, o.BuyerAddr, o.SellerAddr, o.Price, o.LockRef)
}

// orderRefsAdapter gives the escrow coordinator read/write access to
// the settlement references on stored orders.
type orderRefsAdapter struct {
	store order.Store
}

func (a *orderRefsAdapter) Refs(ctx context.Context, orderID string) (string, string, error) {
	o, err := a.store.Get(ctx, orderID)
	if err != nil {
		return "", "", err
	}
	return o.ReleaseRef, o.RefundRef, nil
}

func (a *orderRefsAdapter) SetRef(ctx context.Context, orderID string, outcome escrow.Outcome, ref string) error {
	o, err := a.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if outcome == escrow.OutcomeRelease {
		o.ReleaseRef = ref
	} else {
		o.RefundRef = ref
	}
	o.UpdatedAt = time.Now().UTC()
	return a.store.Update(ctx, o)
}
