package controllers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
)

// WebhookController receives store push notifications. Both endpoints are
// unauthenticated, the payloads authenticate themselves (Apple signs them,
// Google payloads are re-verified against the Play API).
type WebhookController struct {
	service *subscriptions.Service
}

func NewWebhookController(service *subscriptions.Service) *WebhookController {
	return &WebhookController{service: service}
}

// HandleAppStoreNotification ingests App Store Server Notifications V2.
// POST /webhooks/appstore
func (wc *WebhookController) HandleAppStoreNotification(c *fiber.Ctx) error {
	err := wc.service.HandleAppStoreNotification(c.UserContext(), c.Body())
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			// non-2xx makes Apple redeliver
			return fiber.NewError(fiber.StatusServiceUnavailable, "retry later")
		}
		log.Printf("[Webhook] appstore notification rejected: %v", err)
		return fiber.NewError(fiber.StatusBadRequest, "invalid notification")
	}

	return c.SendStatus(fiber.StatusOK)
}

// HandlePlayNotification ingests Real-Time Developer Notifications pushed by
// Pub/Sub.
// POST /webhooks/playstore
func (wc *WebhookController) HandlePlayNotification(c *fiber.Ctx) error {
	err := wc.service.HandlePlayNotification(c.UserContext(), c.Body())
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			// non-2xx makes Pub/Sub redeliver
			return fiber.NewError(fiber.StatusServiceUnavailable, "retry later")
		}
		log.Printf("[Webhook] playstore notification rejected: %v", err)
		return fiber.NewError(fiber.StatusBadRequest, "invalid notification")
	}

	return c.SendStatus(fiber.StatusOK)
}
