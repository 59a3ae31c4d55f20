package router

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	apiv1 "github.com/CoinTrailHQ/CoinTrail/internal/api/v1"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/env"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/middleware"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
)

type ApiRouter struct {
	service *subscriptions.Service
}

func NewApiRouter(service *subscriptions.Service) *ApiRouter {
	return &ApiRouter{service: service}
}

func (h *ApiRouter) InstallRouter(app *fiber.App) {
	// rate limits live in Redis so every instance shares the same counters
	storage := redisstorage.New(redisstorage.Config{
		URL: fmt.Sprintf("redis://%s:%s/1",
			env.GetEnv("CACHE_HOST", "localhost"),
			env.GetEnv("CACHE_PORT", "6379")),
	})

	api := app.Group("/api", limiter.New(limiter.Config{
		Max:     60,
		Storage: storage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1", middleware.RequireAuth())
	apiServer := apiv1.NewAPIServer(h.service)
	apiv1.RegisterHandlers(v1, apiServer)
}
