package engine

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"studio-backend/internal/schema"
	"studio-backend/internal/store"
)

// Handler serves the generic entity endpoints. One handler covers every
// registered entity; nothing here is entity-specific.
type Handler struct {
	store    *store.Store
	registry *Registry
	schemas  *schema.Service
}

func NewHandler(s *store.Store, reg *Registry, schemas *schema.Service) *Handler {
	return &Handler{store: s, registry: reg, schemas: schemas}
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	repo, err := h.resolveRepo(c)
	if err != nil {
		return err
	}

	params := parseListParams(c)
	q := repo.ListQuery(params)

	if err := ApplyScope(c.Context(), q, getPermission(c), GetUser(c), repo.Descriptor().AssignedResolver); err != nil {
		return err
	}

	result, err := repo.RunList(c.Context(), q, params.Page, params.Limit)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	repo, err := h.resolveRepo(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}

	row, err := repo.FindByID(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	repo, err := h.resolveRepo(c)
	if err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	if err := h.validate(c, repo, body, false); err != nil {
		return err
	}

	record, err := repo.Create(c.Context(), body)
	if err != nil {
		return mapWriteError(err)
	}
	return c.Status(201).JSON(fiber.Map{"data": record})
}

// Update handles PUT /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	repo, err := h.resolveRepo(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	if err := h.validate(c, repo, body, true); err != nil {
		return err
	}

	record, err := repo.Update(c.Context(), id, body)
	if err != nil {
		return mapWriteError(err)
	}
	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	repo, err := h.resolveRepo(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}

	if err := repo.Delete(c.Context(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// Options handles GET /api/:entity/fields/:field/options — the selectable
// choices for a relation-typed field, optionally narrowed by ?search=.
func (h *Handler) Options(c *fiber.Ctx) error {
	repo, err := h.resolveRepo(c)
	if err != nil {
		return err
	}

	resolved, err := h.schemas.ResolveByName(c.Context(), repo.Descriptor().Module)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return UnknownEntityError(repo.Descriptor().Module)
		}
		return err
	}

	fieldName := c.Params("field")
	field := resolved.FieldByName(fieldName)
	if field == nil {
		return NotFoundError("field", fieldName)
	}
	if field.Type != schema.TypeRelation || field.Relation == nil {
		return MisconfiguredError("field " + fieldName + " is not a relation field")
	}

	options, err := h.registry.ResolveRelation(c.Context(), h.store, field.Relation, c.Query("search"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": options})
}

// Schema handles GET /api/schema/:module — the resolved block/field tree.
func (h *Handler) Schema(c *fiber.Ctx) error {
	name := c.Params("module")
	resolved, err := h.schemas.ResolveByName(c.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return UnknownEntityError(name)
		}
		return err
	}
	return c.JSON(fiber.Map{"data": resolved})
}

func (h *Handler) validate(c *fiber.Ctx, repo *Repository, body map[string]any, partial bool) error {
	resolved, err := h.schemas.ResolveByName(c.Context(), repo.Descriptor().Module)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No module row means no dynamic schema to enforce.
			return nil
		}
		return err
	}
	v := CompileValidator(resolved.Fields(), partial)
	if issues := v.Validate(body); len(issues) > 0 {
		return ValidationError(issues)
	}
	return nil
}

func (h *Handler) resolveRepo(c *fiber.Ctx) (*Repository, error) {
	name := c.Params("entity")
	repo, err := h.registry.Repository(name)
	if err != nil {
		return nil, UnknownEntityError(name)
	}
	return repo, nil
}

var reservedParams = map[string]bool{
	"page":   true,
	"limit":  true,
	"search": true,
}

func parseListParams(c *fiber.Ctx) ListParams {
	params := ListParams{
		Page:    c.QueryInt("page", 1),
		Limit:   c.QueryInt("limit", 10),
		Search:  c.Query("search"),
		Filters: make(map[string]string),
	}
	for key, vals := range c.Queries() {
		if reservedParams[key] {
			continue
		}
		params.Filters[key] = vals
	}
	return params
}

func parseID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, NewAppError("INVALID_PAYLOAD", 400, "Invalid id: "+c.Params("id"))
	}
	return id, nil
}

// GetUser extracts the authenticated caller from the request context.
func GetUser(c *fiber.Ctx) *UserContext {
	user, _ := c.Locals("user").(*UserContext)
	return user
}

func getPermission(c *fiber.Ctx) *Permission {
	perm, _ := c.Locals("permission").(*Permission)
	return perm
}

func mapWriteError(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		return ConflictError("A record with this value already exists")
	}
	return err
}
