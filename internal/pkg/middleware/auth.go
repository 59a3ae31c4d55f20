package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/env"
	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/usercontext"
)

// RequireAuth validates the bearer token issued by the identity service and
// installs the user context for downstream handlers. Requests without a
// valid token get a 401.
func RequireAuth() fiber.Handler {
	secret := []byte(env.GetEnv("JWT_SECRET", ""))

	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(header, "Bearer ") {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		userID, ok := claims[usercontext.KeyUserID].(float64)
		if !ok || userID <= 0 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		username, _ := claims[usercontext.KeyUsername].(string)
		isAdmin, _ := claims[usercontext.KeyIsAdmin].(bool)

		usercontext.SetUserContext(c, usercontext.UserContext{
			UserID:     uint(userID),
			Username:   username,
			IsLoggedIn: true,
			IsAdmin:    isAdmin,
		})

		return c.Next()
	}
}
