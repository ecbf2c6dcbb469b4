package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/guild"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/member"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// GuildHandler serves guild endpoints.
type GuildHandler struct {
	guilds   guild.Repository
	members  member.Repository
	resolver *permission.Resolver
	node     *snowflake.Node
	gateway  *gateway.Publisher
	permPub  *permission.Publisher
	registry *gateway.Registry
	log      zerolog.Logger
}

// NewGuildHandler creates a new guild handler.
func NewGuildHandler(
	guilds guild.Repository,
	members member.Repository,
	resolver *permission.Resolver,
	node *snowflake.Node,
	gw *gateway.Publisher,
	permPub *permission.Publisher,
	registry *gateway.Registry,
	logger zerolog.Logger,
) *GuildHandler {
	return &GuildHandler{
		guilds:   guilds,
		members:  members,
		resolver: resolver,
		node:     node,
		gateway:  gw,
		permPub:  permPub,
		registry: registry,
		log:      logger,
	}
}

type createGuildRequest struct {
	Name string `json:"name"`
}

type updateGuildRequest struct {
	Name    *string       `json:"name"`
	OwnerID *snowflake.ID `json:"owner_id"`
}

// CreateGuild handles POST /api/v1/guilds. The transaction seeds the
// @everyone role and a default text channel; the creator becomes owner and
// first member.
func (h *GuildHandler) CreateGuild(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	var body createGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	name, err := guild.ValidateName(body.Name)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	g, err := h.guilds.Create(c, guild.CreateParams{
		ID:               h.node.Next(),
		Name:             name,
		OwnerID:          userID,
		DefaultChannelID: h.node.Next(),
	})
	if err != nil {
		return h.mapGuildError(c, err)
	}

	// The creator's live connections start receiving the guild's events
	// immediately.
	h.subscribeUser(userID, g.ID)

	if h.gateway != nil {
		if pErr := h.gateway.PublishToUsers(c, gateway.EventGuildCreate, []snowflake.ID{userID}, g); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", g.ID).Msg("Failed to publish guild create")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, g)
}

// ListMyGuilds handles GET /api/v1/users/@me/guilds.
func (h *GuildHandler) ListMyGuilds(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guilds, err := h.guilds.ListForUser(c, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "guild").Msg("list guilds failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	return httputil.Success(c, guilds)
}

// GetGuild handles GET /api/v1/guilds/:guildID. Members only.
func (h *GuildHandler) GetGuild(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	if _, err := h.members.Get(c, guildID, userID); err != nil {
		if errors.Is(err, member.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
		}
		h.log.Error().Err(err).Str("handler", "guild").Msg("membership check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.Success(c, g)
}

// UpdateGuild handles PATCH /api/v1/guilds/:guildID. Renaming requires
// MANAGE_GUILD; ownership transfer is owner only and the new owner must be a
// member.
func (h *GuildHandler) UpdateGuild(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	var body updateGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	params := guild.UpdateParams{}
	if body.Name != nil {
		name, vErr := guild.ValidateName(*body.Name)
		if vErr != nil {
			return h.mapGuildError(c, vErr)
		}
		params.Name = &name
	}

	if body.OwnerID != nil {
		g, gErr := h.guilds.GetByID(c, guildID)
		if gErr != nil {
			return h.mapGuildError(c, gErr)
		}
		if g.OwnerID != userID {
			return h.mapGuildError(c, guild.ErrNotOwner)
		}
		if _, mErr := h.members.Get(c, guildID, *body.OwnerID); mErr != nil {
			if errors.Is(mErr, member.ErrNotFound) {
				return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeUnknownMember, "New owner is not a member of the guild")
			}
			h.log.Error().Err(mErr).Str("handler", "guild").Msg("owner membership check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
		params.OwnerID = body.OwnerID
	} else {
		allowed, pErr := h.resolver.HasGuildPermission(c, guildID, userID, permission.ManageGuild)
		if pErr != nil {
			h.log.Error().Err(pErr).Str("handler", "guild").Msg("permission check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to manage this guild")
		}
	}

	g, err := h.guilds.Update(c, guildID, params)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	// Ownership transfer changes the owner bypass for two users, so the whole
	// guild's cached entries go.
	if body.OwnerID != nil {
		h.invalidateGuild(c, guildID)
	}

	if h.gateway != nil {
		if pErr := h.gateway.Publish(c, gateway.EventGuildUpdate, guildID, 0, g); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", guildID).Msg("Failed to publish guild update")
		}
	}

	return httputil.Success(c, g)
}

// DeleteGuild handles DELETE /api/v1/guilds/:guildID. Owner only.
func (h *GuildHandler) DeleteGuild(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	if g.OwnerID != userID {
		return h.mapGuildError(c, guild.ErrNotOwner)
	}

	// Publish before tearing down subscriptions so members still receive the
	// event through the guild index.
	if h.gateway != nil {
		payload := struct {
			ID snowflake.ID `json:"id"`
		}{ID: guildID}
		if pErr := h.gateway.Publish(c, gateway.EventGuildDelete, guildID, 0, payload); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", guildID).Msg("Failed to publish guild delete")
		}
	}

	if err := h.guilds.Delete(c, guildID); err != nil {
		return h.mapGuildError(c, err)
	}

	h.invalidateGuild(c, guildID)
	h.unsubscribeGuild(guildID)

	return c.SendStatus(fiber.StatusNoContent)
}

// subscribeUser adds the guild to every live connection of the user.
func (h *GuildHandler) subscribeUser(userID, guildID snowflake.ID) {
	if h.registry == nil {
		return
	}
	h.registry.ForUser(userID, func(client *gateway.Client) {
		h.registry.SubscribeGuild(client, guildID)
	})
}

// unsubscribeGuild drops the guild from every subscribed connection.
func (h *GuildHandler) unsubscribeGuild(guildID snowflake.ID) {
	if h.registry == nil {
		return
	}
	var clients []*gateway.Client
	h.registry.ForGuild(guildID, func(client *gateway.Client) {
		clients = append(clients, client)
	})
	for _, client := range clients {
		h.registry.UnsubscribeGuild(client, guildID)
	}
}

// invalidateGuild publishes a guild-wide permission cache invalidation.
// Failures are logged, not surfaced: a stale entry expires on its own.
func (h *GuildHandler) invalidateGuild(c fiber.Ctx, guildID snowflake.ID) {
	if h.permPub == nil {
		return
	}
	if err := h.permPub.InvalidateGuild(c, guildID); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("failed to invalidate permission cache for guild")
	}
}

// mapGuildError converts guild-layer errors to HTTP responses.
func (h *GuildHandler) mapGuildError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, guild.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
	case errors.Is(err, guild.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, guild.ErrNotOwner):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "guild").Msg("unhandled guild service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}
