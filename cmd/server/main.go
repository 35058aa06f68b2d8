/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the valve-control backend. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (viper: env vars, optional config file)
  2. Build the zap logger
  3. Initialize SQLite store (runs migrations + seeds)
  4. Wire engine, plan service and consumption ledger
  5. Configure HTTP router
  6. Start server with graceful shutdown

CONFIGURATION:
  VALVE_PORT          HTTP server port (default: 8080)
  VALVE_DB            SQLite database path (default: irrigation.db)
                      Use ":memory:" for an in-memory database
  VALVE_CORS_ORIGINS  Comma-separated allowed origins
  VALVE_FLAT_FEE      One-time plan fee (default: 10)
  VALVE_LOG_LEVEL     debug|info|warn|error (default: info)
  VALVE_SWEEP_INTERVAL  Background valve sweep period; 0 disables (default: 5m)
  An optional valve.yaml in the working directory or /etc/valve-engine
  provides the same keys without the VALVE_ prefix.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hydronet/valve-engine/api"
	"github.com/hydronet/valve-engine/irrigation"
	"github.com/hydronet/valve-engine/store/sqlite"
)

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", 8080)
	v.SetDefault("db", "irrigation.db")
	v.SetDefault("cors_origins", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("flat_fee", "10")
	v.SetDefault("log_level", "info")
	v.SetDefault("sweep_interval", "5m")

	v.SetConfigName("valve")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/valve-engine")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Failed to read config file: %v", err)
		}
	}

	v.SetEnvPrefix("VALVE")
	v.AutomaticEnv()
	return v
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	cfg := loadConfig()

	logger, err := buildLogger(cfg.GetString("log_level"))
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	flatFee, err := decimal.NewFromString(cfg.GetString("flat_fee"))
	if err != nil {
		logger.Fatal("invalid flat_fee", zap.String("value", cfg.GetString("flat_fee")), zap.Error(err))
	}

	// Initialize store
	store, err := sqlite.New(cfg.GetString("db"))
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Wire domain services
	engine := irrigation.NewEngine(store, store, store, store, logger)
	plans := &irrigation.PlanService{
		Rates:   store,
		Plans:   store,
		Valves:  store,
		Logger:  logger,
		FlatFee: flatFee,
	}
	consumption := &irrigation.ConsumptionLedger{
		Meters:   store,
		Plans:    store,
		Balances: store,
		Logger:   logger,
	}

	// Create router
	handler := api.NewHandler(store, engine, plans, consumption, logger)
	origins := strings.Split(cfg.GetString("cors_origins"), ",")
	router := api.NewRouter(handler, origins)

	// Background sweep keeps valve records current for devices that
	// stopped polling.
	sweeper := api.NewValveSweeper(store, engine, logger, cfg.GetDuration("sweep_interval"))
	sweeper.Start()
	defer sweeper.Stop()

	// Create server
	port := cfg.GetInt("port")
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.Int("port", port),
			zap.String("db", cfg.GetString("db")))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
