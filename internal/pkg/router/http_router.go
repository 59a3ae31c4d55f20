package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/CoinTrailHQ/CoinTrail/app/controllers"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
)

type HttpRouter struct {
	service *subscriptions.Service
}

func NewHttpRouter(service *subscriptions.Service) *HttpRouter {
	return &HttpRouter{service: service}
}

func (h *HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// store push endpoints stay outside the authenticated API group; the
	// payloads carry their own authenticity
	webhooks := controllers.NewWebhookController(h.service)
	hooks := app.Group("/webhooks")
	hooks.Post("/appstore", webhooks.HandleAppStoreNotification)
	hooks.Post("/playstore", webhooks.HandlePlayNotification)
}
