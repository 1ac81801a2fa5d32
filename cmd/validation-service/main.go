package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/provident/provident-backend/internal/validation/aggregator"
	"github.com/provident/provident-backend/internal/validation/connector"
	"github.com/provident/provident-backend/internal/validation/consumers"
	"github.com/provident/provident-backend/internal/validation/events"
	"github.com/provident/provident-backend/internal/validation/handler"
	"github.com/provident/provident-backend/internal/validation/idempotency"
	"github.com/provident/provident-backend/internal/validation/orchestrator"
	"github.com/provident/provident-backend/internal/validation/ratelimit"
	"github.com/provident/provident-backend/internal/validation/report"
	"github.com/provident/provident-backend/internal/validation/repository"
	"github.com/provident/provident-backend/internal/validation/service"
	"github.com/provident/provident-backend/pkg/config"
	"github.com/provident/provident-backend/pkg/database"
	"github.com/provident/provident-backend/pkg/httputil"
	"github.com/provident/provident-backend/pkg/logger"
	"github.com/provident/provident-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("validation-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("validation-service", cfg.Server.Environment)
	log.Info().Msg("starting Validation Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	// Initialize event publisher
	publisher, err := events.NewValidationEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Idempotency store: Redis when configured, in-memory otherwise
	var store idempotency.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		store = idempotency.NewRedisStore(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using Redis idempotency store")
	} else {
		store = idempotency.NewMemoryStore()
		log.Info().Msg("using in-memory idempotency store")
	}

	vcfg := &cfg.Validation
	limiter := ratelimit.New(vcfg, log)
	guard := idempotency.NewGuard(store, vcfg.ResultTTL, vcfg.InFlightTTL, log)

	httpClient := &http.Client{Timeout: 15 * time.Second}

	stateBoard, err := connector.NewStateBoardValidator(vcfg.StateBoardBaseURL, nil, limiter, httpClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid state board selector configuration")
	}

	registry := connector.NewRegistry(
		connector.NewNPIValidator(vcfg.NPIRegistryURL, limiter, httpClient, log),
		connector.NewPlacesValidator(vcfg.GeocodingURL, vcfg.GeocodingAPIKey, vcfg.AddressMismatchThreshold, limiter, httpClient, log),
		stateBoard,
		connector.NewEmailValidator(net.DefaultResolver, limiter, log),
		connector.NewPhoneValidator("1", log),
		connector.NewNameValidator(log),
		connector.NewEnrichmentValidator(vcfg.EnrichmentURL, vcfg.EnrichmentAPIKey, limiter, httpClient, log),
	)

	agg := aggregator.New(aggregator.FromValidationConfig(vcfg))
	orch := orchestrator.New(registry, guard, agg, vcfg, log)
	generator := report.NewGenerator(vcfg.LowConfidenceThreshold)

	// Repository and service
	reportRepo := repository.NewReportRepository(db)
	validationService := service.NewValidationService(reportRepo, orch, generator, publisher, log)

	// Handler
	validationHandler := handler.NewValidationHandler(validationService, log)

	// Start provider event consumer
	providerConsumer, err := consumers.NewProviderEventConsumer(rmq, validationService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create provider event consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := providerConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start provider event consumer")
	}

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS for the review console
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "validation-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// API routes
	r.Route("/api/v1/validation", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", validationHandler.ListRuns)
			r.Post("/", validationHandler.StartRun)
			r.Post("/batch", validationHandler.StartBatch)
			r.Get("/{id}", validationHandler.GetRun)
		})

		r.Route("/providers/{id}", func(r chi.Router) {
			r.Get("/report", validationHandler.GetLatestReport)
			r.Get("/reports", validationHandler.ListReports)
		})
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
