package admin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"studio-backend/internal/engine"
	"studio-backend/internal/schema"
	"studio-backend/internal/store"
)

// Handler serves the schema administration endpoints. Every mutation drops
// the schema cache so the next resolve sees fresh metadata.
type Handler struct {
	store   *store.Store
	schemas *schema.Service
}

func NewHandler(s *store.Store, schemas *schema.Service) *Handler {
	return &Handler{store: s, schemas: schemas}
}

// RegisterAdminRoutes mounts the schema administration endpoints. Callers are
// expected to guard the group with auth + admin middleware.
func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/admin", middleware...)

	admin.Get("/modules", h.ListModules)
	admin.Post("/modules", h.CreateModule)

	admin.Post("/blocks", h.CreateBlock)
	admin.Put("/blocks/reorder", h.ReorderBlocks)
	admin.Put("/blocks/:id", h.UpdateBlock)

	admin.Post("/fields", h.CreateField)
	admin.Put("/fields/:id", h.UpdateField)
	admin.Delete("/fields/:id", h.DeleteField)
}

// ListModules handles GET /api/admin/modules
func (h *Handler) ListModules(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT id, name, has_custom_fields, parent_module_id, active FROM modules ORDER BY name")
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	store.NormalizeBooleans(rows, []string{"has_custom_fields", "active"})
	return c.JSON(fiber.Map{"data": rows})
}

type moduleRequest struct {
	Name            string `json:"name"`
	HasCustomFields bool   `json:"has_custom_fields"`
	ParentModuleID  *int64 `json:"parent_module_id"`
	Active          *bool  `json:"active"`
}

// CreateModule handles POST /api/admin/modules
func (h *Handler) CreateModule(c *fiber.Ctx) error {
	var req moduleRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if req.Name == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "name", Message: "name is required"}})
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO modules (name, has_custom_fields, parent_module_id, active)
VALUES (%s, %s, %s, %s) RETURNING id`,
		pb.Add(req.Name), pb.Add(req.HasCustomFields), pb.Add(req.ParentModuleID), pb.Add(active))

	row, err := store.QueryRow(c.Context(), h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		if mapped := h.store.Dialect.MapError(err); errors.Is(mapped, store.ErrUniqueViolation) {
			return engine.ConflictError("Module already exists: " + req.Name)
		}
		return fmt.Errorf("create module %s: %w", req.Name, err)
	}

	h.schemas.Invalidate()
	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":   row["id"],
		"name": req.Name,
	}})
}

type blockRequest struct {
	ModuleID    int64  `json:"module_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Order       int    `json:"order"`
	Collapsible bool   `json:"collapsible"`
	DisplayMode string `json:"display_mode"`
}

// CreateBlock handles POST /api/admin/blocks
func (h *Handler) CreateBlock(c *fiber.Ctx) error {
	var req blockRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if issues := validateBlock(&req); len(issues) > 0 {
		return engine.ValidationError(issues)
	}
	if req.DisplayMode == "" {
		req.DisplayMode = "expanded"
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO blocks (module_id, name, description, order_num, collapsible, display_mode)
VALUES (%s, %s, %s, %s, %s, %s) RETURNING id`,
		pb.Add(req.ModuleID), pb.Add(req.Name), pb.Add(req.Description),
		pb.Add(req.Order), pb.Add(req.Collapsible), pb.Add(req.DisplayMode))

	row, err := store.QueryRow(c.Context(), h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("create block %s: %w", req.Name, err)
	}

	h.schemas.Invalidate()
	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":   row["id"],
		"name": req.Name,
	}})
}

// UpdateBlock handles PUT /api/admin/blocks/:id
func (h *Handler) UpdateBlock(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var req blockRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if req.Name == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "name", Message: "name is required"}})
	}
	if req.DisplayMode == "" {
		req.DisplayMode = "expanded"
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`UPDATE blocks SET name = %s, description = %s, order_num = %s, collapsible = %s, display_mode = %s
WHERE id = %s`,
		pb.Add(req.Name), pb.Add(req.Description), pb.Add(req.Order),
		pb.Add(req.Collapsible), pb.Add(req.DisplayMode), pb.Add(id))

	n, err := store.Exec(c.Context(), h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("update block %d: %w", id, err)
	}
	if n == 0 {
		return engine.NotFoundError("block", id)
	}

	h.schemas.Invalidate()
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

type reorderRequest struct {
	Blocks []struct {
		ID    int64 `json:"id"`
		Order int   `json:"order"`
	} `json:"blocks"`
}

// ReorderBlocks handles PUT /api/admin/blocks/reorder — applies the whole
// ordering in one transaction so a partial reorder never becomes visible.
func (h *Handler) ReorderBlocks(c *fiber.Ctx) error {
	var req reorderRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if len(req.Blocks) == 0 {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "blocks", Message: "blocks is required"}})
	}

	err := h.store.WithTx(c.Context(), func(tx *sql.Tx) error {
		for _, b := range req.Blocks {
			pb := h.store.Dialect.NewParamBuilder()
			sqlStr := fmt.Sprintf("UPDATE blocks SET order_num = %s WHERE id = %s", pb.Add(b.Order), pb.Add(b.ID))
			n, err := store.Exec(c.Context(), tx, sqlStr, pb.Params()...)
			if err != nil {
				return fmt.Errorf("reorder block %d: %w", b.ID, err)
			}
			if n == 0 {
				return engine.NotFoundError("block", b.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.schemas.Invalidate()
	return c.JSON(fiber.Map{"data": fiber.Map{"updated": len(req.Blocks)}})
}

type fieldRequest struct {
	BlockID       int64                  `json:"block_id"`
	Label         string                 `json:"label"`
	Type          string                 `json:"type"`
	Required      bool                   `json:"required"`
	Options       []string               `json:"options"`
	Relation      *schema.RelationConfig `json:"relation_config"`
	OrderSequence int                    `json:"order_sequence"`
}

// CreateField handles POST /api/admin/fields. The internal name is never
// client-chosen: it is minted from the global counter in the same transaction
// as the insert, so two concurrent creations cannot collide.
func (h *Handler) CreateField(c *fiber.Ctx) error {
	var req fieldRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if issues := validateField(&req); len(issues) > 0 {
		return engine.ValidationError(issues)
	}

	optionsJSON, relationJSON, err := encodeFieldJSON(&req)
	if err != nil {
		return err
	}

	var name string
	var fieldID any
	err = h.store.WithTx(c.Context(), func(tx *sql.Tx) error {
		name, err = store.NextFieldName(c.Context(), tx)
		if err != nil {
			return err
		}

		pb := h.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(`INSERT INTO fields (block_id, name, label, type, required, options, relation_config, order_sequence)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s) RETURNING id`,
			pb.Add(req.BlockID), pb.Add(name), pb.Add(req.Label), pb.Add(req.Type),
			pb.Add(req.Required), pb.Add(optionsJSON), pb.Add(relationJSON), pb.Add(req.OrderSequence))

		row, err := store.QueryRow(c.Context(), tx, sqlStr, pb.Params()...)
		if err != nil {
			return fmt.Errorf("create field %s: %w", name, err)
		}
		fieldID = row["id"]
		return nil
	})
	if err != nil {
		return err
	}

	h.schemas.Invalidate()
	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":    fieldID,
		"name":  name,
		"label": req.Label,
		"type":  req.Type,
	}})
}

// UpdateField handles PUT /api/admin/fields/:id. The internal name and type
// are immutable; only presentation and constraint metadata can change.
func (h *Handler) UpdateField(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var req fieldRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if req.Label == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "label", Message: "label is required"}})
	}

	optionsJSON, relationJSON, err := encodeFieldJSON(&req)
	if err != nil {
		return err
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`UPDATE fields SET label = %s, required = %s, options = %s, relation_config = %s, order_sequence = %s
WHERE id = %s`,
		pb.Add(req.Label), pb.Add(req.Required), pb.Add(optionsJSON),
		pb.Add(relationJSON), pb.Add(req.OrderSequence), pb.Add(id))

	n, err := store.Exec(c.Context(), h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("update field %d: %w", id, err)
	}
	if n == 0 {
		return engine.NotFoundError("field", id)
	}

	h.schemas.Invalidate()
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// DeleteField handles DELETE /api/admin/fields/:id — removes the definition
// and every stored value for it in one transaction.
func (h *Handler) DeleteField(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	err = h.store.WithTx(c.Context(), func(tx *sql.Tx) error {
		pb := h.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("DELETE FROM field_values WHERE field_id = %s", pb.Add(id))
		if _, err := store.Exec(c.Context(), tx, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("delete values for field %d: %w", id, err)
		}

		pb = h.store.Dialect.NewParamBuilder()
		sqlStr = fmt.Sprintf("DELETE FROM fields WHERE id = %s", pb.Add(id))
		n, err := store.Exec(c.Context(), tx, sqlStr, pb.Params()...)
		if err != nil {
			return fmt.Errorf("delete field %d: %w", id, err)
		}
		if n == 0 {
			return engine.NotFoundError("field", id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.schemas.Invalidate()
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

var fieldTypes = map[string]bool{
	schema.TypeText:     true,
	schema.TypeTextarea: true,
	schema.TypeNumber:   true,
	schema.TypeBoolean:  true,
	schema.TypeSelect:   true,
	schema.TypeDate:     true,
	schema.TypeTime:     true,
	schema.TypePassword: true,
	schema.TypeRelation: true,
	schema.TypeRange:    true,
}

func validateBlock(req *blockRequest) []engine.ErrorDetail {
	var issues []engine.ErrorDetail
	if req.ModuleID <= 0 {
		issues = append(issues, engine.ErrorDetail{Field: "module_id", Message: "module_id is required"})
	}
	if req.Name == "" {
		issues = append(issues, engine.ErrorDetail{Field: "name", Message: "name is required"})
	}
	return issues
}

func validateField(req *fieldRequest) []engine.ErrorDetail {
	var issues []engine.ErrorDetail
	if req.BlockID <= 0 {
		issues = append(issues, engine.ErrorDetail{Field: "block_id", Message: "block_id is required"})
	}
	if req.Label == "" {
		issues = append(issues, engine.ErrorDetail{Field: "label", Message: "label is required"})
	}
	if !fieldTypes[req.Type] {
		issues = append(issues, engine.ErrorDetail{Field: "type", Message: "unknown field type: " + req.Type})
	}
	if req.Type == schema.TypeSelect && len(req.Options) == 0 {
		issues = append(issues, engine.ErrorDetail{Field: "options", Message: "select fields require options"})
	}
	if req.Type == schema.TypeRelation && (req.Relation == nil || req.Relation.Table == "") {
		issues = append(issues, engine.ErrorDetail{Field: "relation_config", Message: "relation fields require relation_config.table"})
	}
	return issues
}

func encodeFieldJSON(req *fieldRequest) (string, string, error) {
	optionsJSON := ""
	if len(req.Options) > 0 {
		raw, err := json.Marshal(req.Options)
		if err != nil {
			return "", "", fmt.Errorf("encode options: %w", err)
		}
		optionsJSON = string(raw)
	}
	relationJSON := ""
	if req.Relation != nil {
		raw, err := json.Marshal(req.Relation)
		if err != nil {
			return "", "", fmt.Errorf("encode relation config: %w", err)
		}
		relationJSON = string(raw)
	}
	return optionsJSON, relationJSON, nil
}

func parseID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid id: "+c.Params("id"))
	}
	return id, nil
}
