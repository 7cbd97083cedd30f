package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func privateApp() *fiber.App {
	app := fiber.New()
	app.Get("/private", JWTMiddleware("secret"), func(c *fiber.Ctx) error {
		if c.Locals("user_id") != "user-1" {
			return fiber.NewError(fiber.StatusUnauthorized)
		}
		return c.SendStatus(http.StatusOK)
	})
	return app
}

func request(t *testing.T, app *fiber.App, header string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp.StatusCode
}

func TestJWTMiddleware(t *testing.T) {
	app := privateApp()

	if code := request(t, app, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token")
	}

	token, err := IssueToken("secret", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if code := request(t, app, "Bearer "+token); code != http.StatusOK {
		t.Fatalf("expected ok, got %d", code)
	}
	if code := request(t, app, "bearer "+token); code != http.StatusOK {
		t.Fatalf("expected case-insensitive scheme")
	}
}

func TestJWTMiddlewareRejectsBadTokens(t *testing.T) {
	app := privateApp()

	wrongSecret, _ := IssueToken("other", "user-1", time.Minute)
	expired, _ := IssueToken("secret", "user-1", -time.Minute)
	anonymous, _ := IssueToken("secret", "", time.Minute)

	for name, header := range map[string]string{
		"wrong secret": "Bearer " + wrongSecret,
		"expired":      "Bearer " + expired,
		"no user":      "Bearer " + anonymous,
		"garbage":      "Bearer not-a-jwt",
		"basic":        "Basic dXNlcjpwYXNz",
	} {
		if code := request(t, app, header); code != http.StatusUnauthorized {
			t.Fatalf("%s: expected unauthorized, got %d", name, code)
		}
	}
}

func TestJWTMiddlewareInvalidParsedToken(t *testing.T) {
	old := parseMiddlewareClaimsFn
	parseMiddlewareClaimsFn = func(_ string, _ jwt.Claims, _ jwt.Keyfunc, _ ...jwt.ParserOption) (*jwt.Token, error) {
		return &jwt.Token{Valid: false, Claims: &Claims{UserID: "user-1"}}, nil
	}
	defer func() { parseMiddlewareClaimsFn = old }()

	if code := request(t, privateApp(), "Bearer anything"); code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for invalid token")
	}
}
