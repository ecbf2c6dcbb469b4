package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/token"
)

// RequireAuth returns Fiber middleware that validates a Bearer access token
// from the Authorization header and stores the user ID in c.Locals("userID").
func RequireAuth(tokens *token.Service) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid authorization format")
		}

		userID, err := tokens.VerifyAccess(header[len(prefix):])
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeTokenExpired, "Token has expired")
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid token")
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// UserID extracts the authenticated user ID set by RequireAuth. It returns
// zero when the middleware did not run on this route.
func UserID(c fiber.Ctx) snowflake.ID {
	id, _ := c.Locals("userID").(snowflake.ID)
	return id
}
