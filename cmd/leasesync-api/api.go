// Package main provides the leasesync API server implementation.
package main

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/leaseloop/leasesync/pkg/alerts"
	"github.com/leaseloop/leasesync/pkg/capture"
	"github.com/leaseloop/leasesync/pkg/cmd"
	"github.com/leaseloop/leasesync/pkg/dispatch"
	"github.com/leaseloop/leasesync/pkg/eventbus"
	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/platform"
	"github.com/leaseloop/leasesync/pkg/processor"
	"github.com/leaseloop/leasesync/pkg/web"
	"github.com/leaseloop/leasesync/pkg/workflow"
)

// APIConfig carries the tunables resolved from flags and environment.
type APIConfig struct {
	PlatformURL     string
	PlatformTimeout time.Duration
	NotificationURL string
	BatchSize       int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	notifier    alerts.Notifier
	tracer      trace.Tracer
	config      APIConfig
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	notifier alerts.Notifier,
	tracer trace.Tracer,
	config APIConfig,
) *API {
	return &API{
		logger:      logger,
		persistence: p,
		eventBus:    eventBus,
		notifier:    notifier,
		tracer:      tracer,
		config:      config,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	deliverer := platform.NewClient(a.config.PlatformURL, a.config.PlatformTimeout, a.logger)

	proc := processor.NewProcessor(
		a.persistence, deliverer, a.notifier, a.logger,
		processor.WithBackoff(a.config.RetryBaseDelay, a.config.RetryMaxDelay),
		processor.WithPublisher(a.eventBus),
		processor.WithTracer(a.tracer),
	)

	// The processor lives in this process, so the post-enqueue trigger calls
	// it directly instead of going through HTTP.
	trigger := dispatch.NewTrigger(dispatch.NewLocalInvoker(proc), a.config.BatchSize, a.logger)
	capturer := capture.NewCapturer(a.persistence, trigger, a.logger)

	registry := cmd.NewRegistry(a.config.NotificationURL, capturer, a.logger)
	engine := workflow.NewEngine(
		a.persistence, registry, a.logger,
		workflow.WithEnginePublisher(a.eventBus),
		workflow.WithEngineTracer(a.tracer),
	)
	workflowService := workflow.NewService(a.persistence, engine, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(a.persistence, capturer, proc, workflowService, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Leasesync API")
	})

	handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
