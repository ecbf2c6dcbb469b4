package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/guild"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/member"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// fakePermStore implements permission.Store over in-memory maps. Every
// member holds a single synthetic role whose bitfield comes from members.
type fakePermStore struct {
	guildID  snowflake.ID
	ownerID  snowflake.ID
	members  map[snowflake.ID]permission.Permission
	channels map[snowflake.ID]snowflake.ID
}

func (s *fakePermStore) GuildOwner(context.Context, snowflake.ID) (snowflake.ID, error) {
	return s.ownerID, nil
}

func (s *fakePermStore) MemberRoles(_ context.Context, _, userID snowflake.ID) ([]permission.RoleEntry, error) {
	p, ok := s.members[userID]
	if !ok {
		return nil, permission.ErrNotMember
	}
	return []permission.RoleEntry{{RoleID: s.guildID, Permissions: p}}, nil
}

func (s *fakePermStore) Role(_ context.Context, _, roleID snowflake.ID) (permission.RoleEntry, error) {
	return permission.RoleEntry{RoleID: roleID, Position: 1}, nil
}

func (s *fakePermStore) ChannelInfo(_ context.Context, channelID snowflake.ID) (permission.ChannelInfo, error) {
	gid, ok := s.channels[channelID]
	if !ok {
		return permission.ChannelInfo{}, permission.ErrChannelNotFound
	}
	return permission.ChannelInfo{ID: channelID, GuildID: gid}, nil
}

func (s *fakePermStore) Overwrites(context.Context, snowflake.ID) ([]permission.Overwrite, error) {
	return nil, nil
}

func newTestResolver(t *testing.T, store permission.Store) *permission.Resolver {
	t.Helper()
	cache := permission.NewValkeyCache(newTestRedis(t), 0)
	return permission.NewResolver(store, cache, zerolog.Nop())
}

// fakeGuildRepo implements guild.Repository in memory.
type fakeGuildRepo struct {
	mu     sync.Mutex
	guilds map[snowflake.ID]*guild.Guild
}

func newFakeGuildRepo() *fakeGuildRepo {
	return &fakeGuildRepo{guilds: make(map[snowflake.ID]*guild.Guild)}
}

func (r *fakeGuildRepo) Create(_ context.Context, params guild.CreateParams) (*guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &guild.Guild{ID: params.ID, Name: params.Name, OwnerID: params.OwnerID, CreatedAt: time.Now()}
	r.guilds[g.ID] = g
	cpy := *g
	return &cpy, nil
}

func (r *fakeGuildRepo) GetByID(_ context.Context, id snowflake.ID) (*guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[id]
	if !ok {
		return nil, guild.ErrNotFound
	}
	cpy := *g
	return &cpy, nil
}

func (r *fakeGuildRepo) ListForUser(_ context.Context, userID snowflake.ID) ([]guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []guild.Guild
	for _, g := range r.guilds {
		if g.OwnerID == userID {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (r *fakeGuildRepo) Update(_ context.Context, id snowflake.ID, params guild.UpdateParams) (*guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[id]
	if !ok {
		return nil, guild.ErrNotFound
	}
	if params.Name != nil {
		g.Name = *params.Name
	}
	if params.OwnerID != nil {
		g.OwnerID = *params.OwnerID
	}
	cpy := *g
	return &cpy, nil
}

func (r *fakeGuildRepo) Delete(_ context.Context, id snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.guilds[id]; !ok {
		return guild.ErrNotFound
	}
	delete(r.guilds, id)
	return nil
}

// fakeMemberStore implements member.Repository in memory, keyed guild then
// user.
type fakeMemberStore struct {
	mu      sync.Mutex
	members map[snowflake.ID]map[snowflake.ID]*member.Member
}

func newFakeMemberStore() *fakeMemberStore {
	return &fakeMemberStore{members: make(map[snowflake.ID]map[snowflake.ID]*member.Member)}
}

func (r *fakeMemberStore) put(guildID, userID snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[guildID] == nil {
		r.members[guildID] = make(map[snowflake.ID]*member.Member)
	}
	r.members[guildID][userID] = &member.Member{GuildID: guildID, UserID: userID, JoinedAt: time.Now()}
}

func (r *fakeMemberStore) Add(_ context.Context, guildID, userID snowflake.ID) (*member.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[guildID] == nil {
		r.members[guildID] = make(map[snowflake.ID]*member.Member)
	}
	if _, ok := r.members[guildID][userID]; ok {
		return nil, member.ErrAlreadyMember
	}
	m := &member.Member{GuildID: guildID, UserID: userID, JoinedAt: time.Now()}
	r.members[guildID][userID] = m
	cpy := *m
	return &cpy, nil
}

func (r *fakeMemberStore) Get(_ context.Context, guildID, userID snowflake.ID) (*member.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[guildID][userID]
	if !ok {
		return nil, member.ErrNotFound
	}
	cpy := *m
	return &cpy, nil
}

func (r *fakeMemberStore) List(_ context.Context, guildID snowflake.ID, _ int, _ snowflake.ID) ([]member.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []member.Member
	for _, m := range r.members[guildID] {
		out = append(out, *m)
	}
	return out, nil
}

func (r *fakeMemberStore) Remove(_ context.Context, guildID, userID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[guildID][userID]; !ok {
		return member.ErrNotFound
	}
	delete(r.members[guildID], userID)
	return nil
}

func (r *fakeMemberStore) UpdateNickname(_ context.Context, guildID, userID snowflake.ID, nickname string) (*member.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[guildID][userID]
	if !ok {
		return nil, member.ErrNotFound
	}
	m.Nickname = nickname
	cpy := *m
	return &cpy, nil
}

func (r *fakeMemberStore) AddRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[guildID][userID]
	if !ok {
		return member.ErrNotFound
	}
	m.RoleIDs = append(m.RoleIDs, roleID)
	return nil
}

func (r *fakeMemberStore) RemoveRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[guildID][userID]
	if !ok {
		return member.ErrNotFound
	}
	out := m.RoleIDs[:0]
	for _, id := range m.RoleIDs {
		if id != roleID {
			out = append(out, id)
		}
	}
	m.RoleIDs = out
	return nil
}

func (r *fakeMemberStore) GuildIDs(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []snowflake.ID
	for gid, users := range r.members {
		if _, ok := users[userID]; ok {
			out = append(out, gid)
		}
	}
	return out, nil
}

func (r *fakeMemberStore) UserIDs(_ context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []snowflake.ID
	for uid := range r.members[guildID] {
		out = append(out, uid)
	}
	return out, nil
}

type guildTestEnv struct {
	app     *fiber.App
	guilds  *fakeGuildRepo
	members *fakeMemberStore
}

func testGuildApp(t *testing.T, callerID snowflake.ID, store *fakePermStore) guildTestEnv {
	t.Helper()
	guilds := newFakeGuildRepo()
	members := newFakeMemberStore()
	handler := NewGuildHandler(guilds, members, newTestResolver(t, store), testNode(t), nil, nil, nil, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(callerID))
	app.Post("/guilds", handler.CreateGuild)
	app.Get("/guilds/:guildID", handler.GetGuild)
	app.Patch("/guilds/:guildID", handler.UpdateGuild)
	app.Delete("/guilds/:guildID", handler.DeleteGuild)
	app.Get("/users/@me/guilds", handler.ListMyGuilds)
	return guildTestEnv{app: app, guilds: guilds, members: members}
}

func TestCreateGuild_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testGuildApp(t, callerID, &fakePermStore{})

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds", `{"name":"Homebase"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got guild.Guild
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal guild: %v", err)
	}
	if got.Name != "Homebase" {
		t.Errorf("name = %q, want %q", got.Name, "Homebase")
	}
	if got.OwnerID != callerID {
		t.Errorf("owner = %v, want %v", got.OwnerID, callerID)
	}
}

func TestCreateGuild_InvalidName(t *testing.T) {
	t.Parallel()
	env := testGuildApp(t, snowflake.ID(101), &fakePermStore{})

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds", `{"name":"  "}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeValidationError) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidationError)
	}
}

func TestCreateGuild_Unauthenticated(t *testing.T) {
	t.Parallel()
	env := testGuildApp(t, 0, &fakePermStore{})

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/guilds", `{"name":"Homebase"}`))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestGetGuild_NonMemberSeesNotFound(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testGuildApp(t, callerID, &fakePermStore{})

	g, _ := env.guilds.Create(context.Background(), guild.CreateParams{ID: 500, Name: "Hidden", OwnerID: 999})

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/guilds/"+g.ID.String(), ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeUnknownGuild) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeUnknownGuild)
	}
}

func TestGetGuild_MemberSucceeds(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testGuildApp(t, callerID, &fakePermStore{})

	g, _ := env.guilds.Create(context.Background(), guild.CreateParams{ID: 500, Name: "Clubhouse", OwnerID: 999})
	env.members.put(g.ID, callerID)

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/guilds/"+g.ID.String(), ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got guild.Guild
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal guild: %v", err)
	}
	if got.ID != g.ID {
		t.Errorf("id = %v, want %v", got.ID, g.ID)
	}
}

func TestUpdateGuild_RequiresManageGuild(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	guildID := snowflake.ID(500)
	store := &fakePermStore{
		guildID: guildID,
		ownerID: 999,
		members: map[snowflake.ID]permission.Permission{callerID: permission.ViewChannel},
	}
	env := testGuildApp(t, callerID, store)
	_, _ = env.guilds.Create(context.Background(), guild.CreateParams{ID: guildID, Name: "Clubhouse", OwnerID: 999})

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/guilds/"+guildID.String(), `{"name":"Renamed"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusForbidden, body)
	}
}

func TestUpdateGuild_ManagerRenames(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	guildID := snowflake.ID(500)
	store := &fakePermStore{
		guildID: guildID,
		ownerID: 999,
		members: map[snowflake.ID]permission.Permission{callerID: permission.ManageGuild},
	}
	env := testGuildApp(t, callerID, store)
	_, _ = env.guilds.Create(context.Background(), guild.CreateParams{ID: guildID, Name: "Clubhouse", OwnerID: 999})

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/guilds/"+guildID.String(), `{"name":"Renamed"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got guild.Guild
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal guild: %v", err)
	}
	if got.Name != "Renamed" {
		t.Errorf("name = %q, want %q", got.Name, "Renamed")
	}
}

func TestUpdateGuild_OwnerTransferByNonOwner(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	guildID := snowflake.ID(500)
	env := testGuildApp(t, callerID, &fakePermStore{guildID: guildID, ownerID: 999})
	_, _ = env.guilds.Create(context.Background(), guild.CreateParams{ID: guildID, Name: "Clubhouse", OwnerID: 999})

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/guilds/"+guildID.String(), `{"owner_id":"101"}`))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestUpdateGuild_OwnerTransferToNonMember(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(101)
	guildID := snowflake.ID(500)
	env := testGuildApp(t, ownerID, &fakePermStore{guildID: guildID, ownerID: ownerID})
	_, _ = env.guilds.Create(context.Background(), guild.CreateParams{ID: guildID, Name: "Clubhouse", OwnerID: ownerID})

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/guilds/"+guildID.String(), `{"owner_id":"202"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusBadRequest, body)
	}
}

func TestDeleteGuild_NonOwnerForbidden(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	guildID := snowflake.ID(500)
	env := testGuildApp(t, callerID, &fakePermStore{guildID: guildID, ownerID: 999})
	_, _ = env.guilds.Create(context.Background(), guild.CreateParams{ID: guildID, Name: "Clubhouse", OwnerID: 999})

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/guilds/"+guildID.String(), ""))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestDeleteGuild_OwnerSucceeds(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(101)
	guildID := snowflake.ID(500)
	env := testGuildApp(t, ownerID, &fakePermStore{guildID: guildID, ownerID: ownerID})
	_, _ = env.guilds.Create(context.Background(), guild.CreateParams{ID: guildID, Name: "Clubhouse", OwnerID: ownerID})

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/guilds/"+guildID.String(), ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if _, err := env.guilds.GetByID(context.Background(), guildID); err == nil {
		t.Error("guild still present after delete")
	}
}
