package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/token"
)

func newMiddlewareApp(t *testing.T, tokens *token.Service) *fiber.App {
	t.Helper()

	app := fiber.New()
	app.Get("/me", RequireAuth(tokens), func(c fiber.Ctx) error {
		return httputil.Success(c, fiber.Map{"user_id": UserID(c).String()})
	})
	return app
}

func newTokenService(t *testing.T, accessTTL time.Duration) *token.Service {
	t.Helper()

	tokens, err := token.NewService(strings.Repeat("s", 32), "parley-test", accessTTL, time.Hour)
	if err != nil {
		t.Fatalf("token.NewService() error: %v", err)
	}
	return tokens
}

func authedRequest(t *testing.T, app *fiber.App, authorization string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	return resp
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	t.Parallel()

	tokens := newTokenService(t, 15*time.Minute)
	app := newMiddlewareApp(t, tokens)

	pair, err := tokens.Issue(snowflake.ID(42))
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	resp := authedRequest(t, app, "Bearer "+pair.AccessToken)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRequireAuthRejections(t *testing.T) {
	t.Parallel()

	tokens := newTokenService(t, 15*time.Minute)
	app := newMiddlewareApp(t, tokens)

	tests := []struct {
		name          string
		authorization string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := authedRequest(t, app, tt.authorization)
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireAuthExpiredToken(t *testing.T) {
	t.Parallel()

	// A negative TTL issues tokens that are already expired.
	issuing := newTokenService(t, -time.Minute)
	verifying := newTokenService(t, 15*time.Minute)
	app := newMiddlewareApp(t, verifying)

	pair, err := issuing.Issue(snowflake.ID(42))
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	resp := authedRequest(t, app, "Bearer "+pair.AccessToken)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	var env httputil.ErrorResponse
	decodeAuthBody(t, resp, &env)
	if env.Error.Code != httputil.CodeTokenExpired {
		t.Errorf("error.code = %q, want %q", env.Error.Code, httputil.CodeTokenExpired)
	}
}

func decodeAuthBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("decoding JSON: %v\nraw: %s", err, body)
	}
}
