package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"studio-backend/internal/config"
	"studio-backend/internal/engine"
	"studio-backend/internal/store"
)

// Handler serves the session endpoints: login, refresh, logout.
type Handler struct {
	store *store.Store
	cfg   *config.Config
}

func NewHandler(s *store.Store, cfg *config.Config) *Handler {
	return &Handler{store: s, cfg: cfg}
}

// RegisterAuthRoutes mounts the session endpoints under /api/auth.
func RegisterAuthRoutes(app *fiber.App, h *Handler) {
	grp := app.Group("/api/auth")
	grp.Post("/login", h.Login)
	grp.Post("/refresh", h.Refresh)
	grp.Post("/logout", h.Logout)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         any    `json:"user"`
}

// Login handles POST /api/auth/login
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if req.Email == "" || req.Password == "" {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Email and password are required")
	}

	row, err := h.findUserByEmail(c.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.UnauthorizedError("Invalid credentials")
		}
		return err
	}

	hash, _ := row["password_hash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return engine.UnauthorizedError("Invalid credentials")
	}

	user := userContextFromRow(row)
	return h.issueTokens(c, user)
}

// Refresh handles POST /api/auth/refresh — rotates the refresh token.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "refresh_token is required")
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT rt.user_id, rt.expires_at, u.name, u.active, r.name AS role
FROM refresh_tokens rt
JOIN users u ON u.id = rt.user_id
LEFT JOIN roles r ON r.id = u.role_id
WHERE rt.token = %s`, pb.Add(req.RefreshToken))

	row, err := store.QueryRow(c.Context(), h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.UnauthorizedError("Invalid refresh token")
		}
		return err
	}

	if expired(row["expires_at"]) {
		h.deleteToken(c.Context(), req.RefreshToken)
		return engine.UnauthorizedError("Refresh token expired")
	}
	// Deactivation revokes the session: a disabled account must not keep
	// rotating tokens.
	if !asBool(row["active"]) {
		h.deleteToken(c.Context(), req.RefreshToken)
		return engine.UnauthorizedError("Account is disabled")
	}

	// Rotate: the presented token is single-use.
	h.deleteToken(c.Context(), req.RefreshToken)

	user := userContextFromRow(row)
	if id, ok := row["user_id"]; ok {
		user.ID = asInt64(id)
	}
	return h.issueTokens(c, user)
}

// Logout handles POST /api/auth/logout — revokes the refresh token.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "refresh_token is required")
	}
	h.deleteToken(c.Context(), req.RefreshToken)
	return c.JSON(fiber.Map{"data": fiber.Map{"message": "Logged out"}})
}

func (h *Handler) issueTokens(c *fiber.Ctx, user *engine.UserContext) error {
	access, err := NewAccessToken(user, h.cfg.JWTSecret, h.cfg.Auth.AccessTTL())
	if err != nil {
		return fmt.Errorf("sign access token: %w", err)
	}

	refresh := uuid.NewString()
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO refresh_tokens (user_id, token, expires_at) VALUES (%s, %s, %s)`,
		pb.Add(user.ID), pb.Add(refresh), pb.Add(time.Now().Add(h.cfg.Auth.RefreshTTL()).UTC().Format("2006-01-02 15:04:05")))
	if _, err := store.Exec(c.Context(), h.store.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}

	return c.JSON(fiber.Map{"data": tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		User: fiber.Map{
			"id":   user.ID,
			"name": user.Name,
			"role": user.Role,
		},
	}})
}

func (h *Handler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT u.id, u.name, u.email, u.password_hash, u.active, r.name AS role
FROM users u
LEFT JOIN roles r ON r.id = u.role_id
WHERE u.email = %s AND u.active = %s`, pb.Add(email), pb.Add(true))
	return store.QueryRow(ctx, h.store.DB, sqlStr, pb.Params()...)
}

func (h *Handler) deleteToken(ctx context.Context, token string) {
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM refresh_tokens WHERE token = %s", pb.Add(token))
	if _, err := store.Exec(ctx, h.store.DB, sqlStr, pb.Params()...); err != nil {
		log.Warn().Err(err).Msg("failed to delete refresh token")
	}
}

func userContextFromRow(row map[string]any) *engine.UserContext {
	user := &engine.UserContext{
		ID:   asInt64(row["id"]),
		Name: stringOrEmpty(row["name"]),
		Role: stringOrEmpty(row["role"]),
	}
	return user
}

func expired(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return t.Before(time.Now())
	case string:
		parsed, err := time.Parse("2006-01-02 15:04:05", t)
		if err != nil {
			return true
		}
		return parsed.Before(time.Now())
	default:
		return true
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	case float64:
		return b != 0
	default:
		return false
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
