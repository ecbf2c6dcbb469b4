package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/role"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

type roleTestEnv struct {
	app   *fiber.App
	roles *fakeRoleRepo
}

func testRoleApp(t *testing.T, callerID snowflake.ID, store *fakePermStore) roleTestEnv {
	t.Helper()
	roles := newFakeRoleRepo()
	handler := NewRoleHandler(roles, newTestResolver(t, store), testNode(t), nil, nil, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(callerID))
	app.Get("/guilds/:guildID/roles", handler.ListRoles)
	app.Post("/guilds/:guildID/roles", handler.CreateRole)
	app.Patch("/guilds/:guildID/roles/:roleID", handler.UpdateRole)
	app.Delete("/guilds/:guildID/roles/:roleID", handler.DeleteRole)
	return roleTestEnv{app: app, roles: roles}
}

func managerStore(callerID snowflake.ID) *fakePermStore {
	return &fakePermStore{
		guildID: 1,
		ownerID: callerID,
		members: map[snowflake.ID]permission.Permission{callerID: permission.ManageRoles},
	}
}

func TestCreateRole_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testRoleApp(t, callerID, managerStore(callerID))

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds/1/roles",
		`{"name":"mods","permissions":8192,"position":2,"color":15158332}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got role.Role
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal role: %v", err)
	}
	if got.Name != "mods" {
		t.Errorf("name = %q, want %q", got.Name, "mods")
	}
	if got.Color != 15158332 {
		t.Errorf("color = %d, want %d", got.Color, 15158332)
	}
}

func TestCreateRole_InvalidColor(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testRoleApp(t, callerID, managerStore(callerID))

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds/1/roles",
		`{"name":"mods","color":16777216}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeValidationError) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidationError)
	}
}

func TestCreateRole_RequiresManageRoles(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := &fakePermStore{
		guildID: 1,
		ownerID: 999,
		members: map[snowflake.ID]permission.Permission{callerID: permission.ViewChannel},
	}
	env := testRoleApp(t, callerID, store)

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds/1/roles", `{"name":"mods"}`))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestCreateRole_NonMemberSeesNotFound(t *testing.T) {
	t.Parallel()
	env := testRoleApp(t, snowflake.ID(101), &fakePermStore{guildID: 1, ownerID: 999})

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds/1/roles", `{"name":"mods"}`))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestUpdateRole_ChangesPermissions(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testRoleApp(t, callerID, managerStore(callerID))
	_, _ = env.roles.Create(context.Background(), role.CreateParams{ID: 7, GuildID: 1, Name: "mods"})

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/guilds/1/roles/7", `{"permissions":1024}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got role.Role
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal role: %v", err)
	}
	if got.Permissions != 1024 {
		t.Errorf("permissions = %d, want %d", got.Permissions, 1024)
	}
}

func TestUpdateRole_UnknownRole(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testRoleApp(t, callerID, managerStore(callerID))

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/guilds/1/roles/77", `{"name":"renamed"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeUnknownRole) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeUnknownRole)
	}
}

func TestDeleteRole_EveryoneLocked(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testRoleApp(t, callerID, managerStore(callerID))
	// The @everyone role shares the guild's id.
	_, _ = env.roles.Create(context.Background(), role.CreateParams{ID: 1, GuildID: 1, Name: "@everyone"})

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/guilds/1/roles/1", ""))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestDeleteRole_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testRoleApp(t, callerID, managerStore(callerID))
	_, _ = env.roles.Create(context.Background(), role.CreateParams{ID: 7, GuildID: 1, Name: "mods"})

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/guilds/1/roles/7", ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if _, err := env.roles.GetByID(context.Background(), 1, 7); err == nil {
		t.Error("role still present after delete")
	}
}

func TestListRoles_MemberSucceeds(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := &fakePermStore{
		guildID: 1,
		ownerID: 999,
		members: map[snowflake.ID]permission.Permission{callerID: permission.ViewChannel},
	}
	env := testRoleApp(t, callerID, store)
	_, _ = env.roles.Create(context.Background(), role.CreateParams{ID: 1, GuildID: 1, Name: "@everyone"})

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/guilds/1/roles", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got []role.Role
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal roles: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(roles) = %d, want 1", len(got))
	}
}
