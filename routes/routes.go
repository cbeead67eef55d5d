package routes

import (
	"context"

	"clinicmail/automation"
	"clinicmail/config"
	controller "clinicmail/controllers"
	"clinicmail/metrics"
	"clinicmail/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const accessLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

// Store is the record-store surface the HTTP layer needs
type Store interface {
	controller.TrackingStore
	controller.AutomationStatsStore
	controller.PurchaseRecorder
}

// Dependencies carries everything the routes are wired to
type Dependencies struct {
	Config  *config.Config
	Store   Store
	Runner  controller.AutomationRunner
	Tracker *automation.Tracker
	Metrics *metrics.Metrics
	// RateLimitStorage backs the tracking limiter; nil keeps counts in memory
	RateLimitStorage fiber.Storage
	// HealthCheck reports store reachability; nil always reports ok
	HealthCheck func(ctx context.Context) error
	Logger      *logrus.Entry
}

// SetupTrackingRoutes registers the public endpoints email clients hit
func SetupTrackingRoutes(app *fiber.App, deps Dependencies) {
	trackingController := controller.NewTrackingController(deps.Store, deps.Tracker, deps.Config.SiteURL, deps.Metrics, deps.Logger)

	limited := middleware.TrackingRateLimiter(deps.Config.TrackingRateLimit, deps.RateLimitStorage)

	track := app.Group("/track", limited)
	track.Get("/open", trackingController.HandleOpenTracking)
	track.Get("/click", trackingController.HandleClickTracking)

	app.Get("/unsubscribe", limited, trackingController.HandleUnsubscribe)
	app.Post("/unsubscribe", limited, trackingController.HandleUnsubscribe)
}

// SetupWebhookRoutes registers inbound provider callbacks
func SetupWebhookRoutes(app *fiber.App, deps Dependencies) {
	if deps.Config.StripeWebhookSecret == "" {
		deps.Logger.Info("Stripe webhook secret not set; purchase webhook disabled")
		return
	}
	stripeController := controller.NewStripeWebhookController(deps.Store, deps.Config.StripeWebhookSecret, deps.Logger)

	webhooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: accessLogFormat,
	}))
	webhooks.Post("/stripe", stripeController.HandleWebhook)
}

// SetupAPIRoutes registers the JWT-protected operator API
func SetupAPIRoutes(app *fiber.App, deps Dependencies) {
	automationController := controller.NewAutomationController(deps.Runner, deps.Store, deps.Logger)

	api := app.Group("/api/v1", middleware.Protected(deps.Config.JWTSecret), logger.New(logger.Config{
		Format: accessLogFormat,
	}))

	automationGroup := api.Group("/automation")
	automationGroup.Post("/run", automationController.RunSequences)
	automationGroup.Get("/stats", automationController.GetDeliveryStats)
	automationGroup.Get("/errors", automationController.GetAutomationErrors)
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.UserContext()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "unavailable",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if reg := deps.Metrics.Registry(); reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	SetupTrackingRoutes(app, deps)
	SetupWebhookRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	deps.Logger.Info("Routes initialized successfully")
}
