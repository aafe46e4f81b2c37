package engine

import "github.com/gofiber/fiber/v2"

// RegisterDynamicRoutes mounts the generic entity endpoints.
func RegisterDynamicRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)
	api.Get("/schema/:module", h.Schema)
	api.Get("/:entity/fields/:field/options", h.Options)
	api.Get("/:entity", h.List)
	api.Post("/:entity", h.Create)
	api.Get("/:entity/:id", h.GetByID)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)
}
