package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

func adminApp(t *testing.T, tokenHash string) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(AdminAuth(tokenHash))
	app.Post("/mint", func(c *fiber.Ctx) error {
		if !IsAdmin(c) {
			t.Error("handler reached without admin flag set")
		}
		return c.SendStatus(fiber.StatusCreated)
	})
	return app
}

func TestAdminAuthAcceptsValidToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	app := adminApp(t, string(hash))

	req := httptest.NewRequest(fiber.MethodPost, "/mint", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer s3cret")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected %d got %d", fiber.StatusCreated, resp.StatusCode)
	}
}

func TestAdminAuthRejectsBadToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	app := adminApp(t, string(hash))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"wrong token", "Bearer nope", fiber.StatusUnauthorized},
		{"missing header", "", fiber.StatusUnauthorized},
		{"not bearer", "Basic s3cret", fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(fiber.MethodPost, "/mint", nil)
		if tc.header != "" {
			req.Header.Set(fiber.HeaderAuthorization, tc.header)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: app.Test: %v", tc.name, err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d got %d", tc.name, tc.want, resp.StatusCode)
		}
	}
}

func TestAdminAuthDisabledWithoutHash(t *testing.T) {
	app := adminApp(t, "")

	req := httptest.NewRequest(fiber.MethodPost, "/mint", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer anything")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected %d got %d", fiber.StatusForbidden, resp.StatusCode)
	}
}
