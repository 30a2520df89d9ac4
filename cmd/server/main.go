package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/recon-api/internal/auth"
	"github.com/ksred/recon-api/internal/config"
	"github.com/ksred/recon-api/internal/database"
	"github.com/ksred/recon-api/internal/orders"
	"github.com/ksred/recon-api/internal/reconcile"
	"github.com/ksred/recon-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// main initializes and runs the reconciliation API server with graceful
// shutdown support. It sets up the database, all services, the background
// reconciliation processor, and the API routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	configureLogging(cfg)

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	ordersService := orders.NewService(db)
	ordersHandlers := orders.NewGinHandlers(ordersService)

	reconcileService := reconcile.NewService(db)
	reconcileHandlers := reconcile.NewGinHandlers(reconcileService)

	// Create and start the background reconciliation processor
	processor := reconcile.NewProcessor(reconcileService, cfg.ReconcileInterval)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go processor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, ordersHandlers, reconcileHandlers)

	// Create server
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

// configureLogging sets up zerolog based on the loaded configuration.
// Development mode enables pretty console output with timestamps.
func configureLogging(cfg *config.Config) {
	if cfg.Env != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Fill intake and lookup, protected by JWT authentication
// - Trade routes: Reconciled trade lookup, protected by JWT authentication
// - Internal routes: Reconciliation trigger, protected by internal authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ordersHandlers *orders.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order intake routes
		orderRoutes := v1.Group("/orders")
		orderRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			orderRoutes.POST("", ordersHandlers.CreateOrderHandler())
			orderRoutes.POST("/batch", ordersHandlers.CreateOrderBatchHandler())
			orderRoutes.GET("/:order_id", ordersHandlers.GetOrderStatusHandler())
		}

		// Trade routes
		tradeRoutes := v1.Group("/trades")
		tradeRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			tradeRoutes.GET("", reconcileHandlers.GetClientTradesHandler())
			tradeRoutes.GET("/:trade_id", reconcileHandlers.GetTradeHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/reconcile/:client_id", reconcileHandlers.ReconcileHandler())
		}
	}
}
