package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/broker-api/internal/auth"
	"github.com/ksred/broker-api/internal/config"
	"github.com/ksred/broker-api/internal/database"
	"github.com/ksred/broker-api/internal/idempotency"
	"github.com/ksred/broker-api/internal/market"
	"github.com/ksred/broker-api/internal/orders"
	"github.com/ksred/broker-api/internal/portfolio"
	"github.com/ksred/broker-api/internal/wallet"
	"github.com/ksred/broker-api/pkg/keylock"
	"github.com/ksred/broker-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the broker API server with graceful shutdown
// support. It wires the database, market data, background jobs and routes.
func main() {
	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	router := gin.Default()

	// Shared infrastructure: the idempotency guard and the per-user lock
	// set serializing balance mutations across orders and wallet
	guard := idempotency.NewGuard(db, cfg.IdempotencyTTL)
	locks := keylock.New()

	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register demo credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	authService.RegisterAdminCredentials(auth.TestAdminKey, auth.TestAdminSecret)

	marketService := market.NewService(db)
	marketHandlers := market.NewGinHandlers(marketService)

	ordersService := orders.NewService(db, marketService, guard, locks)
	ordersHandlers := orders.NewGinHandlers(ordersService)

	walletService := wallet.NewService(db, guard, locks)
	walletHandlers := wallet.NewGinHandlers(walletService)

	portfolioService := portfolio.NewService(db, marketService)
	portfolioHandlers := portfolio.NewGinHandlers(portfolioService)

	// Background price simulation
	simulator := market.NewSimulator(marketService, cfg.QuoteInterval)
	simCtx, simCancel := context.WithCancel(context.Background())
	defer simCancel()
	go simulator.Start(simCtx)

	// End-of-day reset of intraday position counters
	eod := cron.New()
	if _, err := eod.AddFunc(cfg.EODSchedule, portfolioService.ResetDayCounters); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to schedule end-of-day job")
	}
	eod.Start()
	defer eod.Stop()

	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg, guard, authHandlers, ordersHandlers, walletHandlers, portfolioHandlers, marketHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order/portfolio/wallet routes: Protected by JWT authentication
// - Internal routes: Admin-only wallet adjustments
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	guard *idempotency.Guard,
	authHandlers *auth.GinHandlers,
	ordersHandlers *orders.GinHandlers,
	walletHandlers *wallet.GinHandlers,
	portfolioHandlers *portfolio.GinHandlers,
	marketHandlers *market.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			ordersGroup.POST("", guard.Require(orders.PlaceOrderScope), ordersHandlers.PlaceOrderHandler())
			ordersGroup.GET("", ordersHandlers.ListOrdersHandler())
			ordersGroup.GET("/:order_id", ordersHandlers.GetOrderHandler())
			ordersGroup.PUT("/:order_id", ordersHandlers.ModifyOrderHandler())
			ordersGroup.POST("/:order_id/cancel", ordersHandlers.CancelOrderHandler())
			ordersGroup.GET("/:order_id/trades", ordersHandlers.OrderTradesHandler())
		}

		// Portfolio routes
		portfolioGroup := v1.Group("/portfolio")
		portfolioGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			portfolioGroup.GET("/holdings", portfolioHandlers.HoldingsHandler())
			portfolioGroup.GET("/positions", portfolioHandlers.PositionsHandler())
			portfolioGroup.GET("/trades", portfolioHandlers.TradesHandler())
		}

		// Wallet routes
		walletGroup := v1.Group("/wallet")
		walletGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			walletGroup.GET("", walletHandlers.GetWalletHandler())
			walletGroup.GET("/ledger", walletHandlers.LedgerHandler())
		}

		// Market data routes
		marketGroup := v1.Group("/market")
		marketGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			marketGroup.GET("/instruments", marketHandlers.ListInstrumentsHandler())
			marketGroup.GET("/instruments/:instrument_id/quote", marketHandlers.QuoteHandler())
		}

		// Internal routes (admin-only wallet adjustments)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/wallet/credit", guard.Require(wallet.CreditScope), walletHandlers.CreditHandler())
			internal.POST("/wallet/debit", guard.Require(wallet.DebitScope), walletHandlers.DebitHandler())
		}
	}
}
