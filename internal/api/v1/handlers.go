package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/CoinTrailHQ/CoinTrail/app/controllers"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
)

// APIServer implements the versioned JSON API surface
type APIServer struct {
	subscriptions *controllers.SubscriptionController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(service *subscriptions.Service) *APIServer {
	return &APIServer{
		subscriptions: controllers.NewSubscriptionController(service),
	}
}

// RegisterHandlers attaches the v1 routes to the given router group
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)
	r.Post("/subscriptions/verify", s.PostSubscriptionVerify)
	r.Get("/subscriptions/me", s.GetMyEntitlement)
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostSubscriptionVerify verifies a store purchase for the authenticated user.
// Security is enforced via the auth middleware attached in the router.
func (s *APIServer) PostSubscriptionVerify(c *fiber.Ctx) error {
	return s.subscriptions.HandleVerify(c)
}

// GetMyEntitlement returns the authenticated user's current entitlement.
func (s *APIServer) GetMyEntitlement(c *fiber.Ctx) error {
	return s.subscriptions.HandleMyEntitlement(c)
}
