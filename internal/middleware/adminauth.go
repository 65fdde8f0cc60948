package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const adminLocalsKey = "is_admin"

// AdminAuth guards privileged endpoints (mint, burn). The bearer token is
// checked against the configured bcrypt hash; with no hash configured every
// caller is rejected.
func AdminAuth(tokenHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tokenHash == "" {
			return fiber.NewError(http.StatusForbidden, "privileged actions are disabled")
		}
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		token := strings.TrimSpace(authz[len("Bearer "):])
		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid admin token")
		}
		c.Locals(adminLocalsKey, true)
		return c.Next()
	}
}

// IsAdmin reports whether AdminAuth validated the request.
func IsAdmin(c *fiber.Ctx) bool {
	admin, _ := c.Locals(adminLocalsKey).(bool)
	return admin
}
