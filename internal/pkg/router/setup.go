package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter wires every route group. HttpRouter carries the public
// surface (health, webhooks), ApiRouter the authenticated JSON API.
func InstallRouter(app *fiber.App, service *subscriptions.Service) {
	setup(app, NewHttpRouter(service), NewApiRouter(service))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
