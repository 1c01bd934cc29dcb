package main

import (
	"context"
	"strings"

	"github.com/glimmerworks/bursar/internal/entitlement"
	"github.com/glimmerworks/bursar/internal/handlers"
	"github.com/glimmerworks/bursar/internal/ledger"
	"github.com/glimmerworks/bursar/pkg/auth"
	"github.com/glimmerworks/bursar/pkg/config"
	"github.com/glimmerworks/bursar/pkg/database"
	"github.com/glimmerworks/bursar/pkg/events"
	"github.com/glimmerworks/bursar/pkg/logging"
	"github.com/glimmerworks/bursar/pkg/monitoring"
	"github.com/glimmerworks/bursar/pkg/server"
	"github.com/glimmerworks/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting Bursar (Credit Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database and apply the embedded schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Entitlement provider: Stripe when configured, otherwise the
	// internal entitlement API.
	var provider entitlement.Provider
	if stripeKey := config.GetEnv("STRIPE_SECRET_KEY", ""); stripeKey != "" {
		provider = entitlement.NewStripeProvider(stripeKey, logger)
		logger.Info("Using Stripe entitlement provider")
	} else {
		apiURL := config.RequireEnv("ENTITLEMENT_API_URL")
		provider = entitlement.NewHTTPProvider(apiURL, config.GetEnv("ENTITLEMENT_API_KEY", ""), logger)
		logger.WithField("url", apiURL).Info("Using HTTP entitlement provider")
	}

	// Optional Kafka audit stream. The ledger runs fine without it.
	var producer *events.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		var err error
		producer, err = events.NewProducer(strings.Split(brokers, ","), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Kafka producer, ledger events disabled")
		} else {
			defer producer.Close()
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":  dbURL,
		"JWT_SECRET":    jwtSecret,
		"SERVICE_TOKEN": serviceToken,
	}))
	if producer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))
	}

	metrics := handlers.NewBursarMetrics(metricsCollector)

	// Rate-governor policy
	ledgerConfig := ledger.Config{
		Cooldown:      config.GetEnvDuration("CONSUME_COOLDOWN", ledger.DefaultConfig().Cooldown),
		MaxInFlight:   config.GetEnvInt("MAX_IN_FLIGHT", ledger.DefaultConfig().MaxInFlight),
		SlotStaleness: config.GetEnvDuration("SLOT_STALENESS", ledger.DefaultConfig().SlotStaleness),
	}
	creditLedger := ledger.New(db, logger, ledgerConfig)

	// Initialize handlers
	handlers.Init(db, logger, creditLedger, provider, producer, metrics, handlers.LoadProductCatalog(logger))

	// Background jobs: monthly grants, slot sweep, reconciliation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager := handlers.NewJobManager()
	jobManager.Start(ctx)
	defer jobManager.Stop()

	reconciler := handlers.NewSubscriptionReconciler()
	reconciler.Start(ctx)
	defer reconciler.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	{
		// Account-authenticated endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/account/initialize", handlers.InitializeAccount)
			protected.GET("/account", handlers.GetAccount)
			protected.POST("/account/restore", handlers.RestoreAccount)
			protected.POST("/credits/consume", handlers.ConsumeCredits)
			protected.POST("/credits/release", handlers.ReleaseSlot)
			protected.POST("/credits/topup", handlers.ApplyTopUp)
			protected.POST("/onboarding/free-generation", handlers.TryFreeGeneration)
		}

		// Service-to-service endpoints (generation service, admin tools)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/account/plan", handlers.SetPlan)
			serviceAPI.POST("/internal/credits/release", handlers.ReleaseSlot)
			serviceAPI.GET("/internal/account", handlers.GetAccount)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18090")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
