package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the public HTTP surface.
func RegisterRoutes(app *fiber.App, syncHandler *SyncHandler, healthHandler *HealthHandler, webhookHandler *WebhookHandler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/livez", healthHandler.Livez)
	app.Get("/health", healthHandler.Health)

	sync := app.Group("/sync")
	sync.Post("/user", syncHandler.SyncUser)
	sync.Post("/event", syncHandler.SyncEvent)
	sync.Post("/bulk", syncHandler.SyncBulk)

	app.Post("/webhooks/:source", webhookHandler.HandleWebhook)
}
