package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"studio-backend/internal/engine"
	"studio-backend/internal/store"
)

// AuthMiddleware validates the bearer token and sets the UserContext.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", UserFromClaims(claims))
		return c.Next()
	}
}

// RequireAdmin checks the authenticated user has the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := engine.GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !user.IsAdmin() {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// PermissionMiddleware resolves the caller's scope decision for the
// requested entity and action and hands it to the engine verbatim. Admins
// always get unrestricted scope; any other role must have a permission row
// or downstream scope application fails closed.
func PermissionMiddleware(s *store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entity := c.Params("entity")
		if entity == "" {
			return c.Next()
		}
		user := engine.GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}

		if user.IsAdmin() {
			c.Locals("permission", &engine.Permission{Scope: engine.ScopeAll})
			return c.Next()
		}

		perm, err := lookupPermission(c, s, user.Role, entity, actionForMethod(c.Method()))
		if err != nil {
			return err
		}
		if perm != nil {
			c.Locals("permission", perm)
		}
		return c.Next()
	}
}

func lookupPermission(c *fiber.Ctx, s *store.Store, role, entity, action string) (*engine.Permission, error) {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT p.scope, p.own_column, p.assigned_column
FROM permissions p JOIN roles r ON r.id = p.role_id
WHERE r.name = %s AND p.entity = %s AND p.action = %s`,
		pb.Add(role), pb.Add(entity), pb.Add(action))

	row, err := store.QueryRow(c.Context(), s.DB, sqlStr, pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup permission %s/%s/%s: %w", role, entity, action, err)
	}

	perm := &engine.Permission{Scope: engine.Scope(stringOrEmpty(row["scope"]))}
	perm.OwnColumn = stringOrEmpty(row["own_column"])
	perm.AssignedColumn = stringOrEmpty(row["assigned_column"])
	return perm, nil
}

func actionForMethod(method string) string {
	switch method {
	case fiber.MethodGet:
		return "read"
	case fiber.MethodPost:
		return "create"
	case fiber.MethodPut, fiber.MethodPatch:
		return "update"
	case fiber.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func stringOrEmpty(v any) string {
	s, _ := v.(string)
	return s
}
