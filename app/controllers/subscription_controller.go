package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/products"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/store"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/usercontext"
)

// SubscriptionController exposes purchase verification and entitlement
// lookup to authenticated clients.
type SubscriptionController struct {
	service  *subscriptions.Service
	validate *validator.Validate
}

func NewSubscriptionController(service *subscriptions.Service) *SubscriptionController {
	return &SubscriptionController{
		service:  service,
		validate: validator.New(),
	}
}

// HandleVerify verifies a purchase credential with the store and binds the
// purchase to the calling user.
// POST /api/v1/subscriptions/verify
func (sc *SubscriptionController) HandleVerify(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return fiber.NewError(fiber.StatusUnauthorized, "login required")
	}

	var req subscriptions.VerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if key := c.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if err := sc.validate.Struct(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	resp, err := sc.service.VerifyAndSave(c.UserContext(), userID, req)
	if err != nil {
		return mapVerifyError(err)
	}

	return c.JSON(resp)
}

// HandleMyEntitlement reports the calling user's current entitlement.
// GET /api/v1/subscriptions/me
func (sc *SubscriptionController) HandleMyEntitlement(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return fiber.NewError(fiber.StatusUnauthorized, "login required")
	}

	resp, err := sc.service.MyEntitlement(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "entitlement lookup failed")
	}

	return c.JSON(resp)
}

func mapVerifyError(err error) error {
	switch {
	case errors.Is(err, subscriptions.ErrBadRequest):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case products.IsUnknownProduct(err):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrRejected):
		return fiber.NewError(fiber.StatusBadRequest, "the store rejected this purchase")
	case errors.Is(err, subscriptions.ErrOwnershipConflict):
		return fiber.NewError(fiber.StatusForbidden, "this purchase belongs to another account")
	case errors.Is(err, store.ErrUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, "the store is temporarily unavailable, retry later")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "verification failed")
	}
}
