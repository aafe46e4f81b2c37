package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"studio-backend/internal/config"
	"studio-backend/internal/engine"
	"studio-backend/internal/store"
)

func newTestApp(t *testing.T, name string) (*fiber.App, *store.Store) {
	t.Helper()
	st, err := store.New(context.Background(), config.DatabaseConfig{Driver: "sqlite", Name: name})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *engine.AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		},
	})

	cfg := &config.Config{
		JWTSecret: "test-secret",
		Auth:      config.AuthConfig{AccessTTLMinutes: 15, RefreshTTLDays: 7},
	}
	RegisterAuthRoutes(app, NewHandler(st, cfg))
	return app, st
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeTokens(t *testing.T, resp *http.Response) (access, refresh string) {
	t.Helper()
	var out struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	return out.Data.AccessToken, out.Data.RefreshToken
}

// Bootstrap seeds admin@localhost / changeme.
func login(t *testing.T, app *fiber.App) (string, string) {
	t.Helper()
	resp := doJSON(t, app, "POST", "/api/auth/login", fiber.Map{
		"email": "admin@localhost", "password": "changeme",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	return decodeTokens(t, resp)
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	app, _ := newTestApp(t, "auth_badcreds")

	resp := doJSON(t, app, "POST", "/api/auth/login", fiber.Map{
		"email": "admin@localhost", "password": "wrong",
	})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/api/auth/login", fiber.Map{
		"email": "nobody@localhost", "password": "changeme",
	})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 for unknown user, got %d", resp.StatusCode)
	}
}

func TestRefresh_RotatesSingleUseToken(t *testing.T) {
	app, _ := newTestApp(t, "auth_rotate")
	access, refresh := login(t, app)
	if access == "" || refresh == "" {
		t.Fatal("login must issue both tokens")
	}

	resp := doJSON(t, app, "POST", "/api/auth/refresh", fiber.Map{"refresh_token": refresh})
	if resp.StatusCode != 200 {
		t.Fatalf("refresh: expected 200, got %d", resp.StatusCode)
	}
	_, rotated := decodeTokens(t, resp)
	if rotated == "" || rotated == refresh {
		t.Fatalf("expected a new refresh token, got %q", rotated)
	}

	// The presented token was consumed.
	resp = doJSON(t, app, "POST", "/api/auth/refresh", fiber.Map{"refresh_token": refresh})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 reusing a rotated token, got %d", resp.StatusCode)
	}
}

func TestRefresh_RejectsDeactivatedAccount(t *testing.T) {
	app, st := newTestApp(t, "auth_deactivated")
	_, refresh := login(t, app)

	if _, err := st.DB.ExecContext(context.Background(),
		"UPDATE users SET active = 0 WHERE email = 'admin@localhost'"); err != nil {
		t.Fatalf("deactivate user: %v", err)
	}

	resp := doJSON(t, app, "POST", "/api/auth/refresh", fiber.Map{"refresh_token": refresh})
	if resp.StatusCode != 401 {
		t.Fatalf("disabled account must not rotate tokens, got %d", resp.StatusCode)
	}

	// The session is revoked for good, even if the account comes back.
	if _, err := st.DB.ExecContext(context.Background(),
		"UPDATE users SET active = 1 WHERE email = 'admin@localhost'"); err != nil {
		t.Fatalf("reactivate user: %v", err)
	}
	resp = doJSON(t, app, "POST", "/api/auth/refresh", fiber.Map{"refresh_token": refresh})
	if resp.StatusCode != 401 {
		t.Fatalf("expected the token revoked on rejection, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/api/auth/login", fiber.Map{
		"email": "admin@localhost", "password": "changeme",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("reactivated account must log in again, got %d", resp.StatusCode)
	}
}

func TestLogout_RevokesRefreshToken(t *testing.T) {
	app, _ := newTestApp(t, "auth_logout")
	_, refresh := login(t, app)

	resp := doJSON(t, app, "POST", "/api/auth/logout", fiber.Map{"refresh_token": refresh})
	if resp.StatusCode != 200 {
		t.Fatalf("logout: expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/api/auth/refresh", fiber.Map{"refresh_token": refresh})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}
