package auth

import (
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"studio-backend/internal/engine"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	user := &engine.UserContext{ID: 7, Name: "Maya", Role: "teacher"}

	token, err := NewAccessToken(user, "test-secret", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := ParseAccessToken(token, "test-secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := UserFromClaims(claims)
	if got.ID != 7 || got.Name != "Maya" || got.Role != "teacher" {
		t.Fatalf("claims round trip mismatch: %+v", got)
	}
}

func TestParseAccessToken_RejectsWrongSecret(t *testing.T) {
	token, err := NewAccessToken(&engine.UserContext{ID: 1}, "right-secret", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAccessToken(token, "wrong-secret"); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestParseAccessToken_RejectsExpired(t *testing.T) {
	token, err := NewAccessToken(&engine.UserContext{ID: 1}, "test-secret", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAccessToken(token, "test-secret"); err == nil {
		t.Fatal("expected expiry rejection")
	}
}

func TestActionForMethod(t *testing.T) {
	cases := map[string]string{
		fiber.MethodGet:    "read",
		fiber.MethodPost:   "create",
		fiber.MethodPut:    "update",
		fiber.MethodPatch:  "update",
		fiber.MethodDelete: "delete",
	}
	for method, want := range cases {
		if got := actionForMethod(method); got != want {
			t.Fatalf("%s: expected %s, got %s", method, want, got)
		}
	}
}
