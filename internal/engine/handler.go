package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"

	"fieldops-backend/internal/audit"
	"fieldops-backend/internal/logging"
	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store"
)

type Handler struct {
	service *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{service: svc}
}

type batchRequest struct {
	Operations      []Operation `json:"operations"`
	ContinueOnError bool        `json:"continueOnError"`
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	opts, err := ParseQueryParams(c, entity)
	if err != nil {
		return err
	}

	result, err := h.service.FindAll(c.UserContext(), entity.Name, opts, RLSFor(entity, getUser(c)))
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// Count handles GET /api/:entity/count
func (h *Handler) Count(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	filters, err := ParseFilterParams(c.Queries(), entity)
	if err != nil {
		return err
	}

	n, err := h.service.Count(c.UserContext(), entity.Name, filters, RLSFor(entity, getUser(c)))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"count": n}})
}

// CountGrouped handles GET /api/:entity/count/:field
func (h *Handler) CountGrouped(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	filters, err := ParseFilterParams(c.Queries(), entity)
	if err != nil {
		return err
	}

	groups, err := h.service.CountGrouped(c.UserContext(), entity.Name, c.Params("field"), filters, RLSFor(entity, getUser(c)))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": groups})
}

// Sum handles GET /api/:entity/sum/:field
func (h *Handler) Sum(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	filters, err := ParseFilterParams(c.Queries(), entity)
	if err != nil {
		return err
	}

	total, err := h.service.Sum(c.UserContext(), entity.Name, c.Params("field"), filters, RLSFor(entity, getUser(c)))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"sum": total}})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	row, err := h.service.FindByID(c.UserContext(), entity.Name, id, RLSFor(entity, getUser(c)))
	if err != nil {
		return err
	}
	if row == nil {
		return NotFoundError(id)
	}
	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	if err := h.checkWritable(entity, getUser(c)); err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	row, err := h.service.Create(c.UserContext(), entity.Name, body, WriteOptions{Audit: auditContext(c)})
	if err != nil {
		return translateWriteError(err)
	}
	return c.Status(201).JSON(fiber.Map{"data": row})
}

// Update handles PUT and PATCH /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	if err := h.checkRowAccess(c, entity, id); err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	row, err := h.service.Update(c.UserContext(), entity.Name, id, body, WriteOptions{Audit: auditContext(c)})
	if err != nil {
		return translateWriteError(err)
	}
	if row == nil {
		return NotFoundError(id)
	}
	return c.JSON(fiber.Map{"data": row})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	if err := h.checkRowAccess(c, entity, id); err != nil {
		return err
	}

	row, err := h.service.Delete(c.UserContext(), entity.Name, id, WriteOptions{Audit: auditContext(c)})
	if err != nil {
		return translateWriteError(err)
	}
	if row == nil {
		return NotFoundError(id)
	}
	return c.JSON(fiber.Map{"data": row})
}

// Batch handles POST /api/:entity/batch
func (h *Handler) Batch(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	if PolicyFor(entity, roleOf(getUser(c))) != PolicyAllRecords {
		return ForbiddenError(fmt.Sprintf("Batch writes on %s require unrestricted access", entity.Name))
	}

	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	result, err := h.service.Batch(c.UserContext(), entity.Name, req.Operations, BatchOptions{
		ContinueOnError: req.ContinueOnError,
		Audit:           auditContext(c),
	})
	if err != nil {
		return translateWriteError(err)
	}

	status := fiber.StatusOK
	switch {
	case !result.Success && !req.ContinueOnError:
		status = fiber.StatusUnprocessableEntity
	case !result.Success:
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(result)
}

func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.service.Registry().GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

// checkWritable rejects writes from callers whose policy hides every row.
func (h *Handler) checkWritable(entity *metadata.Entity, user *metadata.UserContext) error {
	if PolicyFor(entity, roleOf(user)) == PolicyDenyAll {
		return ForbiddenError(fmt.Sprintf("Write access denied for %s", entity.Name))
	}
	return nil
}

// checkRowAccess requires the target row to be visible under the caller's
// policy before it may be changed.
func (h *Handler) checkRowAccess(c *fiber.Ctx, entity *metadata.Entity, id string) error {
	user := getUser(c)
	if err := h.checkWritable(entity, user); err != nil {
		return err
	}
	rls := RLSFor(entity, user)
	if rls.Policy == PolicyAllRecords {
		return nil
	}
	row, err := h.service.FindByID(c.UserContext(), entity.Name, id, rls)
	if err != nil {
		return err
	}
	if row == nil {
		return NotFoundError(id)
	}
	return nil
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func roleOf(user *metadata.UserContext) string {
	if user == nil {
		return ""
	}
	return user.Role
}

// auditContext captures the caller identity for the audit trail.
func auditContext(c *fiber.Ctx) *audit.Context {
	actx := &audit.Context{
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		RequestID: logging.RequestID(c.UserContext()),
	}
	if user := getUser(c); user != nil {
		actx.UserID = user.ID
	}
	return actx
}

// translateWriteError turns constraint violations into conflicts.
func translateWriteError(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, store.ErrUniqueViolation) || errors.Is(err, store.ErrForeignKeyViolation) {
		msg := "A record with this value already exists"
		if errors.Is(err, store.ErrForeignKeyViolation) {
			msg = "Referenced record does not exist or is still referenced"
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			msg = pgErr.Detail
		}
		return ConflictError(msg)
	}

	return err
}

// ErrorHandler renders AppErrors with their status and everything else as a
// 500 INTERNAL_ERROR.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
		})
	}

	logging.FromContext(c.UserContext()).Error("request failed",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Any("error", err),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
	})
}
