package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/CoinTrailHQ/CoinTrail/app/repository"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/appstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/cache"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/database"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/env"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/playstore"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/products"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/retention"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/router"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())

	service := newSubscriptionService()

	app := fiber.New(fiber.Config{
		AppName:   "CoinTrail",
		BodyLimit: 1 << 20, // 1 MiB, receipts are small
	})
	app.Use(recover.New(), logger.New())
	app.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))
	app.Get("/metrics", monitor.New())

	// ROUTER
	router.InstallRouter(app, service)

	// background cleanup of processed webhook events and idempotency records
	sweeper := retention.NewSweeper(repository.GetGlobalFactory().GetSubscriptionRepository())
	go sweeper.Run(context.Background())

	return app
}

func newSubscriptionService() *subscriptions.Service {
	apple, err := appstore.NewClient(appstore.Config{
		BundleID:      env.GetEnv("APPLE_BUNDLE_ID", ""),
		SharedSecret:  env.GetEnv("APPLE_SHARED_SECRET", ""),
		IssuerID:      env.GetEnv("APPLE_ISSUER_ID", ""),
		KeyID:         env.GetEnv("APPLE_KEY_ID", ""),
		PrivateKeyPEM: readOptionalFile(env.GetEnv("APPLE_PRIVATE_KEY_FILE", "")),

		PreferredEnvironment: env.GetEnv("APPLE_PREFERRED_ENVIRONMENT", ""),
	})
	if err != nil {
		log.Fatalf("Failed to initialize App Store client: %v", err)
	}

	google, err := playstore.NewClient(playstore.Config{
		PackageName:     env.GetEnv("GOOGLE_PACKAGE_NAME", ""),
		CredentialsJSON: readOptionalFile(env.GetEnv("GOOGLE_CREDENTIALS_FILE", "")),
		TokenCache:      playstore.RedisTokenCache{},
	})
	if err != nil {
		log.Fatalf("Failed to initialize Play Store client: %v", err)
	}

	policy := products.NewPolicyFromCSV(env.GetEnv("PRODUCT_IDS", ""))
	log.Printf("Selling products: %v", policy.IDs())

	repo := repository.GetGlobalFactory().GetSubscriptionRepository()

	return subscriptions.NewService(repo, apple, google, policy)
}

func readOptionalFile(path string) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", path, err)
	}
	return data
}
