package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

type channelTestEnv struct {
	app      *fiber.App
	channels *fakeChannelRepo
}

func testChannelApp(t *testing.T, callerID snowflake.ID, store *fakePermStore) channelTestEnv {
	t.Helper()
	channels := newFakeChannelRepo()
	handler := NewChannelHandler(channels, newTestResolver(t, store), testNode(t), nil, nil, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(callerID))
	app.Get("/guilds/:guildID/channels", handler.ListChannels)
	app.Post("/guilds/:guildID/channels", handler.CreateChannel)
	app.Get("/channels/:channelID", handler.GetChannel)
	app.Patch("/channels/:channelID", handler.UpdateChannel)
	app.Delete("/channels/:channelID", handler.DeleteChannel)
	app.Put("/channels/:channelID/permissions/:targetID", handler.PutOverwrite)
	app.Delete("/channels/:channelID/permissions/:targetID", handler.DeleteOverwrite)
	return channelTestEnv{app: app, channels: channels}
}

// builderStore grants the caller channel-management rights in guild 1,
// which contains channel 10.
func builderStore(callerID snowflake.ID) *fakePermStore {
	return &fakePermStore{
		guildID:  1,
		ownerID:  999,
		members:  map[snowflake.ID]permission.Permission{callerID: permission.ViewChannel | permission.ManageChannels | permission.ManageRoles},
		channels: map[snowflake.ID]snowflake.ID{10: 1},
	}
}

func seedChannel(t *testing.T, channels *fakeChannelRepo) {
	t.Helper()
	if _, err := channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}

func TestCreateChannel_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds/1/channels",
		`{"name":"plans","topic":"Weekend plans","position":3}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got channel.Channel
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal channel: %v", err)
	}
	if got.Name != "plans" {
		t.Errorf("name = %q, want %q", got.Name, "plans")
	}
	if got.GuildID != 1 {
		t.Errorf("guild_id = %v, want 1", got.GuildID)
	}
}

func TestCreateChannel_RequiresManageChannels(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := builderStore(callerID)
	store.members[callerID] = permission.ViewChannel
	env := testChannelApp(t, callerID, store)

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds/1/channels", `{"name":"plans"}`))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestCreateChannel_InvalidName(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds/1/channels", `{"name":""}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeValidationError) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidationError)
	}
}

func TestGetChannel_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/channels/10", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
}

func TestGetChannel_HiddenLooksMissing(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := builderStore(callerID)
	store.members[callerID] = permission.SendMessages // no VIEW_CHANNEL
	env := testChannelApp(t, callerID, store)
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/channels/10", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeUnknownChannel) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeUnknownChannel)
	}
}

func TestGetChannel_UnknownChannel(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/channels/77", ""))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestUpdateChannel_Renames(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/channels/10", `{"name":"lounge"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got channel.Channel
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal channel: %v", err)
	}
	if got.Name != "lounge" {
		t.Errorf("name = %q, want %q", got.Name, "lounge")
	}
}

func TestUpdateChannel_RequiresManageChannels(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := builderStore(callerID)
	store.members[callerID] = permission.ViewChannel
	env := testChannelApp(t, callerID, store)
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/channels/10", `{"name":"lounge"}`))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestDeleteChannel_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/channels/10", ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if _, err := env.channels.GetByID(context.Background(), 10); err == nil {
		t.Error("channel still present after delete")
	}
}

func TestListChannels_MemberSucceeds(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := builderStore(callerID)
	store.members[callerID] = permission.ViewChannel
	env := testChannelApp(t, callerID, store)
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/guilds/1/channels", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got []channel.Channel
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal channels: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(channels) = %d, want 1", len(got))
	}
}

func TestListChannels_NonMemberSeesNotFound(t *testing.T) {
	t.Parallel()
	env := testChannelApp(t, snowflake.ID(101), &fakePermStore{guildID: 1, ownerID: 999})

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/guilds/1/channels", ""))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestPutOverwrite_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodPut, "/channels/10/permissions/202",
		`{"target_type":"member","allow":1024,"deny":2048}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got channel.Overwrite
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal overwrite: %v", err)
	}
	if got.TargetType != permission.TargetMember {
		t.Errorf("target_type = %q, want %q", got.TargetType, permission.TargetMember)
	}
	if got.Allow != 1024 || got.Deny != 2048 {
		t.Errorf("allow/deny = %d/%d, want 1024/2048", got.Allow, got.Deny)
	}
}

func TestPutOverwrite_InvalidTargetType(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodPut, "/channels/10/permissions/202",
		`{"target_type":"guild","allow":1024}`))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestPutOverwrite_RequiresManageRoles(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := builderStore(callerID)
	store.members[callerID] = permission.ViewChannel
	env := testChannelApp(t, callerID, store)
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodPut, "/channels/10/permissions/202",
		`{"target_type":"member","allow":1024}`))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestDeleteOverwrite_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testChannelApp(t, callerID, builderStore(callerID))
	seedChannel(t, env.channels)

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/channels/10/permissions/202", ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
}
