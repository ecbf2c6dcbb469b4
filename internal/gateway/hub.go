package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/clock"
	"github.com/parley-chat/parley-server/internal/config"
	"github.com/parley-chat/parley-server/internal/member"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/presence"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/token"
	"github.com/parley-chat/parley-server/internal/user"
)

// Hub is the central gateway: it owns the session registry, authenticates
// identify/resume handshakes, consumes the broadcast channel, and fans events
// out to connections with permission filtering and per-connection sequencing.
type Hub struct {
	registry  *Registry
	rdb       *redis.Client
	cfg       *config.Config
	clock     clock.Clock
	store     *SessionStore
	tokens    *token.Service
	resolver  *permission.Resolver
	users     user.Repository
	members   member.Repository
	presence  *presence.Store
	publisher *Publisher
	log       zerolog.Logger
	closing   atomic.Bool
}

// NewHub creates a gateway hub.
func NewHub(
	rdb *redis.Client,
	cfg *config.Config,
	clk clock.Clock,
	store *SessionStore,
	tokens *token.Service,
	resolver *permission.Resolver,
	users user.Repository,
	members member.Repository,
	presenceStore *presence.Store,
	publisher *Publisher,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		registry:  NewRegistry(),
		rdb:       rdb,
		cfg:       cfg,
		clock:     clk,
		store:     store,
		tokens:    tokens,
		resolver:  resolver,
		users:     users,
		members:   members,
		presence:  presenceStore,
		publisher: publisher,
		log:       logger.With().Str("component", "gateway").Logger(),
	}
}

// Registry exposes the session registry so membership services can adjust
// guild subscriptions when members join or leave.
func (h *Hub) Registry() *Registry { return h.registry }

// Run subscribes to the broadcast channel and dispatches events to connected
// clients until the context is cancelled. The subscription buffer is the lag
// budget: when dispatch outpaces consumption beyond it, the pub/sub client
// drops messages and the hub logs the lag without disturbing sequence
// integrity of what is delivered.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to event channel")

	ch := sub.Channel(redis.WithChannelSize(h.cfg.GatewayLagBudget))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatch(ctx, msg.Payload)
		}
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket
// connection: it sends the Hello frame and runs the read and write pumps.
// Blocks until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	if h.closing.Load() {
		_ = conn.Close()
		return
	}

	client := newClient(h, conn, h.log)

	hello, err := NewHelloFrame(int(h.cfg.GatewayHeartbeatInterval.Milliseconds()))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register adds an identified client to the registry and subscribes it to
// every guild the user belongs to. Multiple connections per user are allowed.
func (h *Hub) register(ctx context.Context, client *Client) error {
	if h.closing.Load() {
		return ErrSessionTimedOut
	}
	if h.registry.Count() >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}

	guildIDs, err := h.members.GuildIDs(ctx, client.UserID())
	if err != nil {
		return fmt.Errorf("load guild subscriptions: %w", err)
	}

	h.registry.Add(client)
	for _, guildID := range guildIDs {
		h.registry.SubscribeGuild(client, guildID)
	}

	h.log.Debug().Stringer("user_id", client.UserID()).Str("session_id", client.SessionID()).
		Int("total", h.registry.Count()).Msg("Client registered")
	return nil
}

// unregister removes a client from the registry and persists its session for
// a future resume.
func (h *Hub) unregister(client *Client) {
	// Always release the writer, even for connections that never identified.
	client.closeSend()

	if h.registry.Get(client.SessionID()) != client {
		return
	}
	h.registry.Remove(client)

	if client.IsIdentified() {
		userID := client.UserID()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.Save(ctx, client.SessionID(), userID, client.currentSeq()); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to save session on disconnect")
		}

		if h.presence != nil {
			go h.delayedOffline(userID)
		}
	}

	h.log.Debug().Str("session_id", client.SessionID()).Msg("Client unregistered")
}

// delayedOffline publishes an offline presence event if the user has not
// reconnected within the grace window. The delay absorbs quick reconnects so
// peers do not see an offline/online flap.
func (h *Hub) delayedOffline(userID snowflake.ID) {
	time.Sleep(h.cfg.GatewayOfflineDelay)

	reconnected := false
	h.registry.ForUser(userID, func(*Client) { reconnected = true })
	if reconnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Delete(ctx, userID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to delete presence on delayed offline")
	}
	h.publishPresence(ctx, userID, presence.StatusOffline)
}

// handleIdentify authenticates a client, assembles the READY payload, and
// registers the connection. READY is always the connection's first dispatch,
// so it carries sequence 1.
func (h *Hub) handleIdentify(client *Client, data IdentifyData) {
	userID, err := h.tokens.VerifyAccess(data.Token)
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token verification failed")
		client.sendInvalidSession(CloseAuthFailed, "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	readyData, err := h.assembleReady(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to assemble READY payload")
		client.closeWithCode(CloseUnknownError, "internal error")
		return
	}

	sessionID := NewSessionID()
	readyData.SessionID = sessionID

	client.mu.Lock()
	client.userID = userID
	client.sessionID = sessionID
	client.identified = true
	client.lastBeat = h.clock.Now()
	client.mu.Unlock()

	readyPayload, err := json.Marshal(readyData)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal READY payload")
		client.closeWithCode(CloseUnknownError, "internal error")
		return
	}

	// READY goes into the outbox before the connection is registered for
	// broadcast, so no concurrent dispatch can claim sequence 1.
	h.dispatchTo(ctx, client, EventReady, readyPayload)

	if err := h.register(ctx, client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	if h.presence != nil {
		if pErr := h.presence.Set(ctx, userID, presence.StatusOnline); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("user_id", userID).Msg("Failed to set initial presence")
		} else {
			h.publishPresence(ctx, userID, presence.StatusOnline)
		}
	}

	h.log.Info().Stringer("user_id", userID).Str("session_id", sessionID).Msg("Client identified")
}

// handleResume restores a client's session from the resume store and replays
// missed dispatches.
func (h *Hub) handleResume(client *Client, data ResumeData) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, err := h.store.Load(ctx, data.SessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", data.SessionID).Msg("Session not found for resume")
		h.invalidSession(client)
		return
	}

	// The saved session pins the user; a token is only checked when the
	// client chose to send one.
	userID := saved.UserID
	if data.Token != "" {
		tokenUser, err := h.tokens.VerifyAccess(data.Token)
		if err != nil {
			h.log.Debug().Err(err).Msg("Resume token verification failed")
			h.invalidSession(client)
			return
		}
		if tokenUser != userID {
			h.log.Debug().Msg("Resume user does not match token")
			h.invalidSession(client)
			return
		}
	}
	if data.Seq > saved.LastSeq {
		h.log.Debug().Int64("client_seq", data.Seq).Int64("server_seq", saved.LastSeq).
			Msg("Resume sequence ahead of server")
		h.invalidSession(client)
		return
	}

	missed, err := h.store.Replay(ctx, data.SessionID, data.Seq)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load replay ring")
		h.invalidSession(client)
		return
	}

	client.mu.Lock()
	client.userID = userID
	client.sessionID = data.SessionID
	client.seq.Store(saved.LastSeq)
	client.identified = true
	client.lastBeat = h.clock.Now()
	client.mu.Unlock()

	// Replay and RESUMED go into the outbox before registration so a
	// broadcast cannot slot in ahead of the frames the client missed.
	for _, payload := range missed {
		client.enqueue(payload)
	}

	resumedPayload, _ := json.Marshal(struct{}{})
	h.dispatchTo(ctx, client, EventResumed, resumedPayload)

	if err := h.register(ctx, client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register resumed client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	if err := h.store.Delete(ctx, data.SessionID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to delete session after resume")
	}

	if h.presence != nil {
		status, gErr := h.presence.Get(ctx, userID)
		if gErr != nil {
			h.log.Warn().Err(gErr).Stringer("user_id", userID).Msg("Failed to get presence on resume")
		}
		if status == presence.StatusOffline {
			if pErr := h.presence.Set(ctx, userID, presence.StatusOnline); pErr != nil {
				h.log.Warn().Err(pErr).Stringer("user_id", userID).Msg("Failed to restore presence on resume")
			} else {
				h.publishPresence(ctx, userID, presence.StatusOnline)
			}
		} else {
			_ = h.presence.Refresh(ctx, userID)
		}
	}

	h.log.Info().Stringer("user_id", userID).Str("session_id", data.SessionID).
		Int("replayed", len(missed)).Msg("Client resumed")
}

// invalidSession rejects a resume attempt: an op 9 frame with d:false is
// flushed to the client before the connection is closed.
func (h *Hub) invalidSession(client *Client) {
	client.sendInvalidSession(CloseAuthFailed, "invalid session")
}

// handlePresenceUpdate stores a client's requested status and broadcasts it.
// Invisible status is stored truthfully but broadcast as offline.
func (h *Hub) handlePresenceUpdate(client *Client, status string) {
	if h.presence == nil || !presence.ValidStatus(status) {
		return
	}

	userID := client.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Set(ctx, userID, status); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set presence")
		return
	}

	broadcast := status
	if status == presence.StatusInvisible {
		broadcast = presence.StatusOffline
	}
	h.publishPresence(ctx, userID, broadcast)
}

// handleRequestGuildMembers answers an op 8 frame with a GUILD_MEMBERS_CHUNK
// dispatch on the requesting connection. Requests for guilds the connection
// is not subscribed to are dropped.
func (h *Hub) handleRequestGuildMembers(client *Client, req RequestGuildMembersData) {
	if !client.InGuild(req.GuildID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	members, err := h.members.List(ctx, req.GuildID, member.ClampLimit(req.Limit), req.After)
	if err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", req.GuildID).Msg("Failed to list members for chunk")
		return
	}

	payload, err := json.Marshal(GuildMembersChunkData{GuildID: req.GuildID, Members: members})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal members chunk")
		return
	}
	h.dispatchTo(ctx, client, EventGuildMembersChunk, payload)
}

// publishPresence broadcasts a PRESENCE_UPDATE dispatch.
func (h *Hub) publishPresence(ctx context.Context, userID snowflake.ID, status string) {
	if h.publisher == nil {
		return
	}
	data := PresenceUpdatePayload{UserID: userID, Status: status}
	if err := h.publisher.PublishGlobal(ctx, EventPresenceUpdate, data); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to publish presence update")
	}
}

// refreshPresence extends the TTL of the user's presence key without changing
// the stored status. Called on every heartbeat.
func (h *Hub) refreshPresence(userID snowflake.ID) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Refresh(ctx, userID); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to refresh presence TTL")
	}
}

// dispatch routes one broadcast event to the connections it targets: an
// explicit user list wins, then guild subscription, then everyone. Message
// and typing events additionally pass the per-user can_view filter.
func (h *Hub) dispatch(ctx context.Context, payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		h.log.Warn().Err(err).Msg("Invalid gateway event envelope")
		return
	}

	seen := make(map[string]struct{})
	targets := make([]*Client, 0, 8)
	collect := func(c *Client) {
		if !c.IsIdentified() {
			return
		}
		sid := c.SessionID()
		if _, dup := seen[sid]; dup {
			return
		}
		seen[sid] = struct{}{}
		targets = append(targets, c)
	}

	switch {
	case len(event.Users) > 0:
		for _, userID := range event.Users {
			h.registry.ForUser(userID, collect)
		}
	case event.GuildID != 0:
		h.registry.ForGuild(event.GuildID, collect)
	default:
		h.registry.ForAll(collect)
	}

	if len(targets) == 0 {
		return
	}

	if event.ChannelID != 0 && channelFiltered(event.Type) {
		permitted := targets[:0]
		for _, c := range targets {
			ok, err := h.resolver.CanView(ctx, event.ChannelID, c.UserID())
			if err != nil {
				// A broken filter must not black-hole events; the write path
				// re-checks against the source of truth anyway.
				h.log.Warn().Err(err).Stringer("user_id", c.UserID()).Msg("Permission check failed during dispatch")
				ok = true
			}
			if ok {
				permitted = append(permitted, c)
			}
		}
		targets = permitted
	}

	for _, c := range targets {
		h.dispatchTo(ctx, c, event.Type, event.Data)
	}
}

// dispatchTo assigns the connection's next sequence number, sends the frame,
// and appends it to the replay ring.
func (h *Hub) dispatchTo(ctx context.Context, c *Client, eventType DispatchEvent, data json.RawMessage) {
	seq := c.nextSeq()
	frame, err := NewDispatchFrame(seq, eventType, data)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build dispatch frame")
		return
	}

	c.enqueue(frame)

	if sid := c.SessionID(); sid != "" {
		if err := h.store.AppendReplay(ctx, sid, seq, frame); err != nil {
			h.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to append to replay ring")
		}
	}
}

// RunHeartbeatSupervisor sweeps the registry every second and closes
// connections whose heartbeat deadline (interval + grace) has passed. Blocks
// until the context is cancelled.
func (h *Hub) RunHeartbeatSupervisor(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepHeartbeats()
		}
	}
}

// sweepHeartbeats closes every registered connection whose deadline passed.
func (h *Hub) sweepHeartbeats() {
	now := h.clock.Now()
	interval := h.cfg.GatewayHeartbeatInterval
	grace := h.cfg.GatewayHeartbeatGrace

	var expired []*Client
	h.registry.ForAll(func(c *Client) {
		if now.After(c.heartbeatDeadline(interval, grace)) {
			expired = append(expired, c)
		}
	})

	for _, c := range expired {
		h.log.Debug().Str("session_id", c.SessionID()).Msg("Heartbeat timeout")
		c.closeWithCode(CloseSessionTimedOut, "heartbeat timeout")
		h.unregister(c)
	}
}

// assembleReady loads the state a newly identified client needs.
func (h *Hub) assembleReady(ctx context.Context, userID snowflake.ID) (*ReadyData, error) {
	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	guildIDs, err := h.members.GuildIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	guilds := make([]ReadyGuild, len(guildIDs))
	for i, id := range guildIDs {
		guilds[i] = ReadyGuild{ID: id}
	}

	return &ReadyData{V: 10, User: *u, Guilds: guilds}, nil
}

// Shutdown stops accepting connections, tells every client to reconnect,
// drains outboxes for up to the configured deadline, then force-closes.
func (h *Hub) Shutdown() {
	h.closing.Store(true)

	var clients []*Client
	h.registry.ForAll(func(c *Client) { clients = append(clients, c) })

	reconnect, _ := NewReconnectFrame()
	for _, c := range clients {
		if reconnect != nil {
			c.enqueue(reconnect)
		}
		c.closeSend()
	}

	deadline := time.Now().Add(h.cfg.GatewayShutdownDrain)
	for _, c := range clients {
		if wait := time.Until(deadline); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-c.done:
			case <-t.C:
			}
			t.Stop()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range clients {
		if h.presence != nil {
			_ = h.presence.Delete(ctx, c.UserID())
		}
		if c.conn != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			_ = c.conn.Close()
		}
		h.registry.Remove(c)
	}
	h.log.Info().Msg("Gateway hub shut down")
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	return h.registry.Count()
}
