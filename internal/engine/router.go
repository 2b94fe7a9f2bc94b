package engine

import "github.com/gofiber/fiber/v2"

func RegisterDynamicRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Get("/:entity", h.List)
	api.Get("/:entity/count", h.Count)
	api.Get("/:entity/count/:field", h.CountGrouped)
	api.Get("/:entity/sum/:field", h.Sum)
	api.Get("/:entity/:id", h.GetByID)
	api.Post("/:entity/batch", h.Batch)
	api.Post("/:entity", h.Create)
	api.Put("/:entity/:id", h.Update)
	api.Patch("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)
}
