package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clinicboard/reportpipe/internal/adapters/assessmentrepository"
	"github.com/clinicboard/reportpipe/internal/adapters/changefeed"
	"github.com/clinicboard/reportpipe/internal/adapters/database"
	"github.com/clinicboard/reportpipe/internal/adapters/reportgen"
	"github.com/clinicboard/reportpipe/internal/artifactcache"
	"github.com/clinicboard/reportpipe/internal/config"
	"github.com/clinicboard/reportpipe/internal/delivery"
	"github.com/clinicboard/reportpipe/internal/pipeline"
	"github.com/clinicboard/reportpipe/internal/ports"
	"github.com/clinicboard/reportpipe/internal/regeneration"
	"github.com/clinicboard/reportpipe/internal/reporting"
	"github.com/clinicboard/reportpipe/internal/scheduler"
	"github.com/clinicboard/reportpipe/internal/telemetry"
)

// TODO: Put in config
const PROD_DOMAIN_SUFFIX = "clinicboard.com"
const STAGING_DOMAIN_SUFFIX = "clinicboard-web.pages.dev"

const schedulerWorkers = 4

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	config, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", config.NonSensitiveString())

	otelShutdown, err := telemetry.SetupOTelSDK(ctx, "reportpipe")
	if err != nil {
		fail("Failed to set up OpenTelemetry", "error", err.Error())
	}
	defer otelShutdown(context.Background())

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(config)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	logger.Info("Initializing database connection")
	connectionString := database.ConnectionStringFromConfig(config)
	db, err := database.NewPostgresDatabase(connectionString)
	if err != nil {
		fail("Failed to initialize database connection", "error", err.Error())
	}
	logger.Info("Initialized database connection")

	schemaName := database.GetSchemaName(!config.IsProduction())

	err = database.NewDatabaseMigrator(db, logger.With("component", "migrator")).Migrate(ctx, schemaName)
	if err != nil {
		fail("Failed to migrate database", "error", err.Error())
	}

	assessmentRepo := assessmentrepository.NewPostgres(db, schemaName)
	logger.Info("Initialized AssessmentRepository")

	cache := artifactcache.New(artifactcache.DefaultTTL, artifactcache.DefaultMaxEntries, time.Now)
	stopSweeping := cache.StartSweeping(artifactcache.DefaultSweepInterval)
	defer stopSweeping()

	sched := scheduler.New(ctx, schedulerWorkers)
	defer sched.Close()
	sched.RegisterBucket(regeneration.Bucket, 5, 10)
	sched.RegisterBucket(delivery.Bucket, 100, 200)

	deliveryService := delivery.NewService(ctx, sched, time.Now)
	stopDelivery := deliveryService.Start(delivery.DefaultFlushSweepInterval, delivery.DefaultReapInterval)
	defer stopDelivery()

	generator := reportgen.New(assessmentRepo, cache, time.Now)

	reportPipeline := pipeline.New(ctx, cache, sched, deliveryService, generator, time.Now)
	logger.Info("Initialized report pipeline")

	feed := changefeed.NewPostgresFeed(connectionString, logger.With("component", "changefeed"))
	go func() {
		err := feed.Listen(ctx, reportPipeline.HandleChange)
		if err != nil && !errors.Is(err, context.Canceled) {
			fail("Change feed stopped", "error", err.Error())
		}
	}()

	allowedOrigins, err := ports.NewDomainSuffixes(PROD_DOMAIN_SUFFIX, STAGING_DOMAIN_SUFFIX)
	if err != nil {
		fail("Failed to initialize allowed origins", "error", err.Error())
	}

	http.HandleFunc(
		"OPTIONS /v1/status",
		ports.BuildCORSHandler(allowedOrigins),
	)
	http.HandleFunc(
		"GET /v1/status",
		ports.MakeGetStatusHandler(
			reportPipeline,
			allowedOrigins,
			logger.With("port", "status"),
			sentryMiddleware,
		),
	)

	http.HandleFunc(
		"OPTIONS /v1/reports/regenerate",
		ports.BuildCORSHandler(allowedOrigins),
	)
	http.HandleFunc(
		"POST /v1/reports/regenerate",
		ports.MakeRegenerateHandler(
			reportPipeline,
			allowedOrigins,
			logger.With("port", "regenerate"),
			sentryMiddleware,
		),
	)

	logger.Info("Init complete")
	err = http.ListenAndServe(fmt.Sprintf(":%s", config.Port()), nil)
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("Server shutdown")
	} else {
		fail("Server error", "error", err.Error())
	}
}
