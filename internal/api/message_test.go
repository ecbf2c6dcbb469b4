package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/message"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// fakeChannelRepo implements channel.Repository in memory.
type fakeChannelRepo struct {
	mu       sync.Mutex
	channels map[snowflake.ID]*channel.Channel
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{channels: make(map[snowflake.ID]*channel.Channel)}
}

func (r *fakeChannelRepo) Create(_ context.Context, params channel.CreateParams) (*channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := &channel.Channel{
		ID: params.ID, GuildID: params.GuildID, Name: params.Name,
		Topic: params.Topic, Position: params.Position, CreatedAt: time.Now(),
	}
	r.channels[ch.ID] = ch
	cpy := *ch
	return &cpy, nil
}

func (r *fakeChannelRepo) GetByID(_ context.Context, id snowflake.ID) (*channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	cpy := *ch
	return &cpy, nil
}

func (r *fakeChannelRepo) ListGuild(_ context.Context, guildID snowflake.ID) ([]channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []channel.Channel
	for _, ch := range r.channels {
		if ch.GuildID == guildID {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (r *fakeChannelRepo) Update(_ context.Context, id snowflake.ID, params channel.UpdateParams) (*channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	if params.Name != nil {
		ch.Name = *params.Name
	}
	if params.Topic != nil {
		ch.Topic = *params.Topic
	}
	if params.Position != nil {
		ch.Position = *params.Position
	}
	cpy := *ch
	return &cpy, nil
}

func (r *fakeChannelRepo) Delete(_ context.Context, id snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return channel.ErrNotFound
	}
	delete(r.channels, id)
	return nil
}

func (r *fakeChannelRepo) SetOverwrite(context.Context, snowflake.ID, channel.Overwrite) error {
	return nil
}

func (r *fakeChannelRepo) DeleteOverwrite(context.Context, snowflake.ID, snowflake.ID) error {
	return nil
}

func (r *fakeChannelRepo) ListOverwrites(context.Context, snowflake.ID) ([]channel.Overwrite, error) {
	return nil, nil
}

// fakeMessageRepo implements message.Repository in memory.
type fakeMessageRepo struct {
	mu       sync.Mutex
	messages map[snowflake.ID]*message.Message
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[snowflake.ID]*message.Message)}
}

func (r *fakeMessageRepo) Create(_ context.Context, params message.CreateParams) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &message.Message{
		ID: params.ID, ChannelID: params.ChannelID, AuthorID: params.AuthorID,
		Content: params.Content, CreatedAt: time.Now(),
	}
	r.messages[m.ID] = m
	cpy := *m
	return &cpy, nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id snowflake.ID) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	cpy := *m
	return &cpy, nil
}

func (r *fakeMessageRepo) List(_ context.Context, channelID snowflake.ID, before snowflake.ID, limit int) ([]message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Message
	for _, m := range r.messages {
		if m.ChannelID != channelID {
			continue
		}
		if !before.IsZero() && m.ID >= before {
			continue
		}
		out = append(out, *m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeMessageRepo) Update(_ context.Context, id snowflake.ID, content string) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	now := time.Now()
	m.Content = content
	m.EditedAt = &now
	cpy := *m
	return &cpy, nil
}

func (r *fakeMessageRepo) Delete(_ context.Context, id snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[id]; !ok {
		return message.ErrNotFound
	}
	delete(r.messages, id)
	return nil
}

type messageTestEnv struct {
	app      *fiber.App
	messages *fakeMessageRepo
	channels *fakeChannelRepo
}

const testMaxContent = 4000

func testMessageApp(t *testing.T, callerID snowflake.ID, store *fakePermStore) messageTestEnv {
	t.Helper()
	messages := newFakeMessageRepo()
	channels := newFakeChannelRepo()
	handler := NewMessageHandler(messages, channels, newTestResolver(t, store), testNode(t), nil, testMaxContent, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(callerID))
	app.Get("/channels/:channelID/messages", handler.ListMessages)
	app.Post("/channels/:channelID/messages", handler.CreateMessage)
	app.Patch("/channels/:channelID/messages/:messageID", handler.EditMessage)
	app.Delete("/channels/:channelID/messages/:messageID", handler.DeleteMessage)
	return messageTestEnv{app: app, messages: messages, channels: channels}
}

// senderStore grants a caller full chat permissions in guild 1, channel 10.
func senderStore(callerID snowflake.ID) *fakePermStore {
	return &fakePermStore{
		guildID: 1,
		ownerID: 999,
		members: map[snowflake.ID]permission.Permission{
			callerID: permission.ViewChannel | permission.SendMessages | permission.ReadMessageHistory,
		},
		channels: map[snowflake.ID]snowflake.ID{10: 1},
	}
}

func TestCreateMessage_Success(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testMessageApp(t, callerID, senderStore(callerID))
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/channels/10/messages", `{"content":"hello there"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got message.Message
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if got.Content != "hello there" {
		t.Errorf("content = %q, want %q", got.Content, "hello there")
	}
	if got.AuthorID != callerID {
		t.Errorf("author = %v, want %v", got.AuthorID, callerID)
	}
}

func TestCreateMessage_StripsMarkup(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testMessageApp(t, callerID, senderStore(callerID))
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/channels/10/messages",
		`{"content":"before <script>alert(1)</script> after"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got message.Message
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if strings.Contains(got.Content, "<script>") {
		t.Errorf("content %q still contains script tag", got.Content)
	}
}

func TestCreateMessage_TooLong(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testMessageApp(t, callerID, senderStore(callerID))
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})

	long := strings.Repeat("a", testMaxContent+1)
	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/channels/10/messages", `{"content":"`+long+`"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(httputil.CodeValidationError) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidationError)
	}
}

func TestCreateMessage_WithoutSendPermission(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := senderStore(callerID)
	store.members[callerID] = permission.ViewChannel
	env := testMessageApp(t, callerID, store)
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/channels/10/messages", `{"content":"hello"}`))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestCreateMessage_UnknownChannel(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testMessageApp(t, callerID, senderStore(callerID))

	resp := doReq(t, env.app, jsonReq(http.MethodPost, "/channels/77/messages", `{"content":"hello"}`))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestListMessages_RequiresHistoryPermission(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := senderStore(callerID)
	store.members[callerID] = permission.ViewChannel | permission.SendMessages
	env := testMessageApp(t, callerID, store)

	resp := doReq(t, env.app, jsonReq(http.MethodGet, "/channels/10/messages", ""))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestEditMessage_NonAuthorForbidden(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testMessageApp(t, callerID, senderStore(callerID))
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})
	_, _ = env.messages.Create(context.Background(), message.CreateParams{ID: 42, ChannelID: 10, AuthorID: 202, Content: "original"})

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/channels/10/messages/42", `{"content":"hijack"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusForbidden, body)
	}
}

func TestEditMessage_AuthorSucceeds(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testMessageApp(t, callerID, senderStore(callerID))
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})
	_, _ = env.messages.Create(context.Background(), message.CreateParams{ID: 42, ChannelID: 10, AuthorID: callerID, Content: "original"})

	resp := doReq(t, env.app, jsonReq(http.MethodPatch, "/channels/10/messages/42", `{"content":"edited"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got message.Message
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if got.Content != "edited" {
		t.Errorf("content = %q, want %q", got.Content, "edited")
	}
	if got.EditedAt == nil {
		t.Error("edited_at not set")
	}
}

func TestDeleteMessage_AuthorSucceeds(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	env := testMessageApp(t, callerID, senderStore(callerID))
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})
	_, _ = env.messages.Create(context.Background(), message.CreateParams{ID: 42, ChannelID: 10, AuthorID: callerID, Content: "bye"})

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/channels/10/messages/42", ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
}

func TestDeleteMessage_ModeratorNeedsManageMessages(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := senderStore(callerID)
	env := testMessageApp(t, callerID, store)
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})
	_, _ = env.messages.Create(context.Background(), message.CreateParams{ID: 42, ChannelID: 10, AuthorID: 202, Content: "reported"})

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/channels/10/messages/42", ""))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestDeleteMessage_ModeratorWithManageMessages(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(101)
	store := senderStore(callerID)
	store.members[callerID] |= permission.ManageMessages
	env := testMessageApp(t, callerID, store)
	_, _ = env.channels.Create(context.Background(), channel.CreateParams{ID: 10, GuildID: 1, Name: "general"})
	_, _ = env.messages.Create(context.Background(), message.CreateParams{ID: 42, ChannelID: 10, AuthorID: 202, Content: "reported"})

	resp := doReq(t, env.app, jsonReq(http.MethodDelete, "/channels/10/messages/42", ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
}
