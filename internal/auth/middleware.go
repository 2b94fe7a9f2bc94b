package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"fieldops-backend/internal/engine"
	"fieldops-backend/internal/logging"
	"fieldops-backend/internal/metadata"
)

// AuthMiddleware verifies the bearer token and stores the caller in
// Locals("user"). The caller is also attached to the request context so
// downstream log lines carry user_id and role.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := bearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}

		claims, err := ParseAccessToken(token, secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}
		user, err := UserFromClaims(claims)
		if err != nil {
			logging.FromContext(c.UserContext()).Warn("rejected token", "error", err)
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", user)
		c.SetUserContext(logging.WithCaller(c.UserContext(), user.ID, user.Role))
		return c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", engine.UnauthorizedError("Missing auth token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", engine.UnauthorizedError("Invalid auth header format")
	}
	return strings.TrimSpace(token), nil
}

// RequireAdmin allows only callers whose role is admin.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !user.IsAdmin() {
			logging.FromContext(c.UserContext()).Warn("admin route refused", "path", c.Path())
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
