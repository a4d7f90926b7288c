package routes

import (
	controller "outreachly/controllers"
	"outreachly/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options carries everything the HTTP surface needs.
type Options struct {
	Sequences   *controller.SequenceController
	Tracking    *controller.TrackingController
	JWTSecret   string
	CORSOrigins []string

	// TrackingRateLimit is requests per minute per IP on the tracking
	// endpoints; zero disables the limiter.
	TrackingRateLimit int
	RateLimitStorage  fiber.Storage

	// Health reports extra status for /health, may be nil.
	Health func() fiber.Map
	// AccessLog enables the request logger.
	AccessLog bool
}

// SetupTrackingRoutes registers the unauthenticated endpoints embedded in emails.
func SetupTrackingRoutes(app *fiber.App, opts Options) {
	tracking := app.Group("/tracking")

	limited := []fiber.Handler{}
	if opts.TrackingRateLimit > 0 {
		limited = append(limited, middleware.TrackingRateLimiter(opts.TrackingRateLimit, opts.RateLimitStorage))
	}
	with := func(h fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, limited...), h)
	}

	// Pixel and click are never rate limited: the image must render and the
	// redirect must always reach its destination.
	tracking.Get("/unsubscribe", with(opts.Tracking.HandleUnsubscribe)...)
	tracking.Post("/response", with(opts.Tracking.HandleResponse)...)
	tracking.Get("/:tracking_id/open", opts.Tracking.HandleOpenTracking)
	tracking.Get("/:tracking_id/click", opts.Tracking.HandleClickTracking)
}

// SetupAPIRoutes registers the brand-authenticated sequence API.
func SetupAPIRoutes(app *fiber.App, opts Options) {
	api := app.Group("/api/v1", middleware.Protected(opts.JWTSecret))

	sequence := api.Group("/sequences")
	sequence.Post("/", opts.Sequences.CreateSequence)
	sequence.Get("/", opts.Sequences.GetSequences)
	sequence.Get("/:id", opts.Sequences.GetSequence)
	sequence.Post("/:id/start", opts.Sequences.StartSequence)
	sequence.Post("/:id/pause", opts.Sequences.PauseSequence)
	sequence.Delete("/:id", opts.Sequences.DeleteSequence)
	sequence.Get("/:id/analytics", opts.Sequences.GetSequenceAnalytics)

	// WebSocket feed of live analytics
	sequence.Get("/:id/live", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(opts.Sequences.HandleLiveAnalytics))
}

func SetupRoutes(app *fiber.App, opts Options) {
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(opts.CORSOrigins...)))
	if opts.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{"status": "ok"}
		if opts.Health != nil {
			for k, v := range opts.Health() {
				status[k] = v
			}
		}
		return c.JSON(status)
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupTrackingRoutes(app, opts)
	SetupAPIRoutes(app, opts)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
