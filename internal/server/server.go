package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-lend/internal/auth"
	"github.com/ksred/klear-lend/internal/config"
	"github.com/ksred/klear-lend/internal/custody"
	"github.com/ksred/klear-lend/internal/database"
	"github.com/ksred/klear-lend/internal/ledger"
	"github.com/ksred/klear-lend/internal/lending"
	"github.com/ksred/klear-lend/internal/locker"
	"github.com/ksred/klear-lend/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

// Server holds the wired ledger service and its HTTP surface
type Server struct {
	cfg *config.Config

	DB       *gorm.DB
	Auth     *auth.Service
	Book     *custody.Book
	Ledger   *ledger.Service
	Monitor  *ledger.Monitor
	Registry *prometheus.Registry
	Router   *gin.Engine

	closers []func() error
}

// New builds every component from cfg. custodyOpts configure the in-memory
// custody book, e.g. simulated latency.
func New(cfg *config.Config, custodyOpts ...custody.Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{cfg: cfg}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.DB = db
	s.closers = append(s.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	lk, err := s.newLocker()
	if err != nil {
		s.Close()
		return nil, err
	}

	collateralVault := lending.Account(cfg.Vault.CollateralAccount)
	loanVault := lending.Account(cfg.Vault.LoanAccount)
	s.Book = custody.NewBook(cfg.Vault.Signer, []lending.Account{collateralVault, loanVault}, custodyOpts...)

	engine, err := lending.NewEngine(lending.Config{
		CollateralVault: collateralVault,
		LoanVault:       loanVault,
		VaultSigner:     cfg.Vault.Signer,
		BorrowSigner:    lending.SignerKind(cfg.Vault.BorrowSigner),
	}, s.Book, auth.PolicyAuthorizer{})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(collectors.NewGoCollector())
	s.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ledger.NewMetrics(s.Registry)

	s.Ledger = ledger.NewService(db, engine, lk, metrics)
	s.Monitor = ledger.NewMonitor(s.Ledger, metrics, cfg.Monitor.Interval)

	s.Auth = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if !cfg.IsProduction() {
		// Register test credentials
		s.Auth.RegisterTestCredentials()
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.Router = gin.New()
	s.Router.Use(gin.Logger(), gin.Recovery())
	s.Router.Use(middleware.RequestMetrics(s.Registry))

	setupRoutes(
		s.Router,
		s.Auth,
		middleware.RateLimit(middleware.RateLimits{
			AuthPerMinute: cfg.RateLimit.AuthPerMinute,
			OpsPerMinute:  cfg.RateLimit.OpsPerMinute,
		}),
		auth.NewGinHandlers(s.Auth),
		ledger.NewGinHandlers(s.Ledger),
		custody.NewGinHandlers(s.Book),
		s.Registry,
	)

	return s, nil
}

// Config returns the validated configuration the server was built from
func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) newLocker() (locker.Locker, error) {
	switch s.cfg.Locker.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		log.Info().Str("addr", s.cfg.Redis.Addr).Msg("using redis position locker")
		return locker.NewRedis(client, locker.WithTTL(s.cfg.Locker.TTL)), nil
	default:
		return locker.NewLocal(), nil
	}
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public endpoint issuing tokens, rate limited per IP
// - Position routes: JWT, acting on the caller's own position
// - Liquidation routes: JWT with the liquidate permission
// - Internal routes: operator tokens with the admin permission
// Position and liquidation routes are rate limited per client ID.
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	rateLimit gin.HandlerFunc,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	custodyHandlers *custody.GinHandlers,
	registry *prometheus.Registry,
) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		authRoutes.Use(rateLimit)
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Position routes
		positions := v1.Group("/positions/me")
		positions.Use(middleware.JWTAuth(authService), rateLimit)
		{
			positions.GET("", ledgerHandlers.GetPositionHandler())
			positions.GET("/operations", ledgerHandlers.ListOperationsHandler())
			positions.POST("/deposit", ledgerHandlers.DepositHandler())
			positions.POST("/borrow", ledgerHandlers.BorrowHandler())
			positions.POST("/repay", ledgerHandlers.RepayHandler())
		}

		// Liquidation routes
		liquidations := v1.Group("/liquidations")
		liquidations.Use(middleware.JWTAuth(authService), rateLimit)
		{
			liquidations.POST("/:owner", ledgerHandlers.LiquidateHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService))
		{
			internal.POST("/positions/:owner", ledgerHandlers.OpenPositionHandler())
			internal.GET("/positions", ledgerHandlers.ListPositionsHandler())
			internal.POST("/custody/fund", custodyHandlers.FundHandler())
			internal.GET("/custody/accounts/:account", custodyHandlers.BalanceHandler())
		}
	}
}

// Run serves HTTP and runs the health monitor until ctx is cancelled, then
// shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTP.Port),
		Handler:      s.Router,
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}

	monitorCtx, monitorCancel := context.WithCancel(ctx)
	defer monitorCancel()
	go s.Monitor.Start(monitorCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting lending API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Close releases the database and redis connections
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
