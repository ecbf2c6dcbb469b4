package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/user"
)

func testUserApp(t *testing.T, callerID snowflake.ID) (*fiber.App, *fakeUserStore) {
	t.Helper()
	users := newFakeUserStore()
	handler := NewUserHandler(users, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(callerID))
	app.Get("/users/@me", handler.GetMe)
	app.Patch("/users/@me", handler.UpdateMe)
	app.Get("/users/:userID", handler.GetUser)
	return app, users
}

func seedUser(t *testing.T, users *fakeUserStore, id snowflake.ID, username, email string) {
	t.Helper()
	if _, err := users.Create(context.Background(), user.CreateParams{
		ID: id, Username: username, Email: email, PasswordHash: "x",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestGetMe_IncludesEmail(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	app, users := testUserApp(t, callerID)
	seedUser(t, users, callerID, "alice", "alice@example.com")

	resp := doReq(t, app, jsonReq(http.MethodGet, "/users/@me", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got user.User
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", got.Email, "alice@example.com")
	}
}

func TestGetMe_Unauthenticated(t *testing.T) {
	t.Parallel()
	app, _ := testUserApp(t, 0)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/users/@me", ""))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestUpdateMe_SetsDisplayName(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	app, users := testUserApp(t, callerID)
	seedUser(t, users, callerID, "alice", "alice@example.com")

	resp := doReq(t, app, jsonReq(http.MethodPatch, "/users/@me", `{"display_name":"  Alice  "}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got user.User
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if got.DisplayName != "Alice" {
		t.Errorf("display_name = %q, want %q", got.DisplayName, "Alice")
	}
}

func TestUpdateMe_DisplayNameTooLong(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	app, users := testUserApp(t, callerID)
	seedUser(t, users, callerID, "alice", "alice@example.com")

	long := strings.Repeat("x", 33)
	resp := doReq(t, app, jsonReq(http.MethodPatch, "/users/@me", `{"display_name":"`+long+`"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeValidationError) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidationError)
	}
}

func TestGetUser_OmitsEmail(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	app, users := testUserApp(t, callerID)
	seedUser(t, users, 202, "bob", "bob@example.com")

	resp := doReq(t, app, jsonReq(http.MethodGet, "/users/202", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	if bytes.Contains(body, []byte("bob@example.com")) {
		t.Error("public profile leaks the email address")
	}
	var got publicUser
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if got.Username != "bob" {
		t.Errorf("username = %q, want %q", got.Username, "bob")
	}
}

func TestGetUser_Unknown(t *testing.T) {
	t.Parallel()
	app, _ := testUserApp(t, snowflake.ID(101))

	resp := doReq(t, app, jsonReq(http.MethodGet, "/users/404404", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeUnknownUser) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeUnknownUser)
	}
}

func TestGetUser_InvalidID(t *testing.T) {
	t.Parallel()
	app, _ := testUserApp(t, snowflake.ID(101))

	resp := doReq(t, app, jsonReq(http.MethodGet, "/users/not-a-snowflake", ""))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}
