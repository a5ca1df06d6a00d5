package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-budget-transfers/internal/config"
	"github.com/pesio-ai/be-budget-transfers/internal/events"
	"github.com/pesio-ai/be-budget-transfers/internal/handler"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/metrics"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/middleware"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Budget Transfer Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize event publisher
	var publisher events.Publisher
	if cfg.NATS.Enabled {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		publisher = natsPublisher
		log.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).
			Msg("NATS event publisher initialized")
	} else {
		publisher = &events.Recorder{}
		log.Warn().Msg("NATS disabled; events recorded in memory only")
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	engineMetrics := metrics.NewEngine(registry)

	// Initialize repositories
	templateRepo := repository.NewTemplateRepository(db)
	registryRepo := repository.NewRegistryRepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	authzRepo := repository.NewAuthzRepository(db)
	txRunner := repository.NewTransferTxRunner(db)

	// Initialize services
	accessService := service.NewAccessService(authzRepo, log)
	templateService := service.NewTemplateService(templateRepo, cfg.Engine.ArchivedThreshold, log)
	routingService := service.NewRoutingService(registryRepo, log)
	holdService := service.NewHoldService(transferRepo)
	engine := service.NewApprovalEngine(
		templateRepo,
		routingService,
		workflowRepo,
		assignmentRepo,
		transferRepo,
		accessService,
		authzRepo,
		holdService,
		txRunner,
		publisher,
		engineMetrics,
		service.EngineConfig{
			ArchivedThreshold:    cfg.Engine.ArchivedThreshold,
			TransactionPrefixLen: cfg.Engine.TransactionPrefixLen,
		},
		log,
	)
	visibilityService := service.NewVisibilityService(
		transferRepo, accessService, cfg.Engine.OperationAbilities["list_pending"], log)

	// Start SLA monitor
	slaMonitor := service.NewSLAMonitor(workflowRepo, publisher, engineMetrics, cfg.Engine.SLAPollInterval, log)
	go slaMonitor.Run(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, visibilityService, templateService, routingService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpHandler.Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
