package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/creatorly/chat-service/internal/auth"
)

const localsUserID = "user_id"

// JWTAuth verifies the bearer token and stashes the caller identity. The
// REST write path always requires a verified token; the websocket degraded
// mode never bypasses this.
func JWTAuth(verifier *auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization"})
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization"})
		}
		identity, err := verifier.Verify(parts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals(localsUserID, identity)
		return c.Next()
	}
}

func callerID(c *fiber.Ctx) string {
	id, _ := c.Locals(localsUserID).(string)
	return id
}
