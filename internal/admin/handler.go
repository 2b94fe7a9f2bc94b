package admin

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"fieldops-backend/internal/engine"
	"fieldops-backend/internal/logging"
	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store"
)

// Handler serves the metadata admin API. db is nil when definitions come
// from a file; the write endpoints are then disabled.
type Handler struct {
	db       store.Querier
	registry *metadata.Registry
}

func NewHandler(db store.Querier, reg *metadata.Registry) *Handler {
	return &Handler{db: db, registry: reg}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin", middleware...)

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Put("/entities/:name", h.PutEntity)
	admin.Delete("/entities/:name", h.DeleteEntity)
	admin.Post("/reload", h.Reload)
}

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	catalog := h.registry.Snapshot()
	return c.JSON(fiber.Map{
		"data": catalog.Entities(),
		"meta": fiber.Map{"count": catalog.Len(), "loaded_at": catalog.LoadedAt()},
	})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return engine.UnknownEntityError(name)
	}
	return c.JSON(fiber.Map{"data": entity})
}

// PutEntity creates or replaces a stored definition and reloads the registry.
func (h *Handler) PutEntity(c *fiber.Ctx) error {
	if h.db == nil {
		return readOnlyError()
	}
	name := c.Params("name")

	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	entity.Name = name

	if _, err := metadata.NewCatalog([]*metadata.Entity{&entity}); err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Message: err.Error()}})
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}

	_, err = store.Exec(c.UserContext(), h.db,
		`INSERT INTO _entities (name, definition) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()`,
		name, defJSON)
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}

	if err := h.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.registry.GetEntity(name)})
}

func (h *Handler) DeleteEntity(c *fiber.Ctx) error {
	if h.db == nil {
		return readOnlyError()
	}
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.UnknownEntityError(name)
	}

	if _, err := store.Exec(c.UserContext(), h.db, "DELETE FROM _entities WHERE name = $1", name); err != nil {
		return fmt.Errorf("delete entity %s: %w", name, err)
	}

	if err := h.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// Reload re-reads the metadata source and swaps the catalog in.
func (h *Handler) Reload(c *fiber.Ctx) error {
	if err := h.reload(c); err != nil {
		return err
	}
	catalog := h.registry.Snapshot()
	return c.JSON(fiber.Map{"data": fiber.Map{"entities": catalog.Len(), "loaded_at": catalog.LoadedAt()}})
}

func (h *Handler) reload(c *fiber.Ctx) error {
	ctx := c.UserContext()
	if err := h.registry.Reload(ctx); err != nil {
		logging.FromContext(ctx).Error("metadata reload failed", "error", err)
		return engine.NewAppError("RELOAD_FAILED", 500, fmt.Sprintf("Metadata reload failed: %v", err))
	}
	return nil
}

func readOnlyError() *engine.AppError {
	return engine.NewAppError("READ_ONLY", 409, "Entity definitions are loaded from a file and cannot be changed at runtime")
}
