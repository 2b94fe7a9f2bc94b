package logging

import (
	"github.com/gofiber/fiber/v2"
)

// RequestContext copies the request id set by fiber's requestid middleware
// into the request's user context so FromContext can pick it up downstream.
// It must be registered after requestid.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, _ := c.Locals("requestid").(string)
		if id == "" {
			id = c.GetRespHeader(fiber.HeaderXRequestID)
		}
		c.SetUserContext(WithRequestID(c.UserContext(), id))
		return c.Next()
	}
}
