package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// ChannelHandler serves channel and overwrite endpoints.
type ChannelHandler struct {
	channels channel.Repository
	resolver *permission.Resolver
	node     *snowflake.Node
	gateway  *gateway.Publisher
	permPub  *permission.Publisher
	log      zerolog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(
	channels channel.Repository,
	resolver *permission.Resolver,
	node *snowflake.Node,
	gw *gateway.Publisher,
	permPub *permission.Publisher,
	logger zerolog.Logger,
) *ChannelHandler {
	return &ChannelHandler{
		channels: channels,
		resolver: resolver,
		node:     node,
		gateway:  gw,
		permPub:  permPub,
		log:      logger,
	}
}

type createChannelRequest struct {
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	Position int    `json:"position"`
}

type updateChannelRequest struct {
	Name     *string `json:"name"`
	Topic    *string `json:"topic"`
	Position *int    `json:"position"`
}

type overwriteRequest struct {
	TargetType permission.TargetType `json:"target_type"`
	Allow      permission.Permission `json:"allow"`
	Deny       permission.Permission `json:"deny"`
}

// ListChannels handles GET /api/v1/guilds/:guildID/channels. Members only;
// the list is unfiltered, clients hide channels they cannot view.
func (h *ChannelHandler) ListChannels(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	if stop := h.requireGuildPermission(c, guildID, userID, permission.ViewChannel); stop {
		return nil
	}

	channels, err := h.channels.ListGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("list channels failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	return httputil.Success(c, channels)
}

// CreateChannel handles POST /api/v1/guilds/:guildID/channels. Requires
// MANAGE_CHANNELS.
func (h *ChannelHandler) CreateChannel(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	if stop := h.requireGuildPermission(c, guildID, userID, permission.ManageChannels); stop {
		return nil
	}

	var body createChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	name, err := channel.ValidateName(body.Name)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	topic := body.Topic
	if err := channel.ValidateTopic(&topic); err != nil {
		return h.mapChannelError(c, err)
	}
	position := body.Position
	if err := channel.ValidatePosition(&position); err != nil {
		return h.mapChannelError(c, err)
	}

	ch, err := h.channels.Create(c, channel.CreateParams{
		ID:       h.node.Next(),
		GuildID:  guildID,
		Name:     name,
		Topic:    topic,
		Position: position,
	})
	if err != nil {
		return h.mapChannelError(c, err)
	}

	h.publish(c, gateway.EventChannelCreate, ch.GuildID, ch)
	return httputil.SuccessStatus(c, fiber.StatusCreated, ch)
}

// GetChannel handles GET /api/v1/channels/:channelID. Requires VIEW_CHANNEL.
func (h *ChannelHandler) GetChannel(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	allowed, err := h.resolver.HasChannelPermission(c, channelID, userID, permission.ViewChannel)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if !allowed {
		// Hidden channels are indistinguishable from missing ones.
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownChannel, "Channel not found")
	}

	ch, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, ch)
}

// UpdateChannel handles PATCH /api/v1/channels/:channelID. Requires
// MANAGE_CHANNELS.
func (h *ChannelHandler) UpdateChannel(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	existing, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if stop := h.requireGuildPermission(c, existing.GuildID, userID, permission.ManageChannels); stop {
		return nil
	}

	var body updateChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	params := channel.UpdateParams{Topic: body.Topic, Position: body.Position}
	if body.Name != nil {
		name, vErr := channel.ValidateName(*body.Name)
		if vErr != nil {
			return h.mapChannelError(c, vErr)
		}
		params.Name = &name
	}
	if err := channel.ValidateTopic(body.Topic); err != nil {
		return h.mapChannelError(c, err)
	}
	if err := channel.ValidatePosition(body.Position); err != nil {
		return h.mapChannelError(c, err)
	}

	ch, err := h.channels.Update(c, channelID, params)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	h.publish(c, gateway.EventChannelUpdate, ch.GuildID, ch)
	return httputil.Success(c, ch)
}

// DeleteChannel handles DELETE /api/v1/channels/:channelID. Requires
// MANAGE_CHANNELS.
func (h *ChannelHandler) DeleteChannel(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	existing, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if stop := h.requireGuildPermission(c, existing.GuildID, userID, permission.ManageChannels); stop {
		return nil
	}

	if err := h.channels.Delete(c, channelID); err != nil {
		return h.mapChannelError(c, err)
	}

	h.invalidateChannel(c, channelID)
	h.publish(c, gateway.EventChannelDelete, existing.GuildID, existing)
	return c.SendStatus(fiber.StatusNoContent)
}

// PutOverwrite handles PUT /api/v1/channels/:channelID/permissions/:targetID.
// Requires MANAGE_ROLES.
func (h *ChannelHandler) PutOverwrite(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}
	targetID, err := snowflake.Parse(c.Params("targetID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid target ID format")
	}

	existing, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if stop := h.requireGuildPermission(c, existing.GuildID, userID, permission.ManageRoles); stop {
		return nil
	}

	var body overwriteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.TargetType != permission.TargetRole && body.TargetType != permission.TargetMember {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "target_type must be \"role\" or \"member\"")
	}

	ow := channel.Overwrite{
		TargetID:   targetID,
		TargetType: body.TargetType,
		Allow:      body.Allow,
		Deny:       body.Deny,
	}
	if err := h.channels.SetOverwrite(c, channelID, ow); err != nil {
		return h.mapChannelError(c, err)
	}

	h.invalidateChannel(c, channelID)
	return httputil.Success(c, ow)
}

// DeleteOverwrite handles DELETE
// /api/v1/channels/:channelID/permissions/:targetID. Requires MANAGE_ROLES.
func (h *ChannelHandler) DeleteOverwrite(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}
	targetID, err := snowflake.Parse(c.Params("targetID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid target ID format")
	}

	existing, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if stop := h.requireGuildPermission(c, existing.GuildID, userID, permission.ManageRoles); stop {
		return nil
	}

	if err := h.channels.DeleteOverwrite(c, channelID, targetID); err != nil {
		return h.mapChannelError(c, err)
	}

	h.invalidateChannel(c, channelID)
	return c.SendStatus(fiber.StatusNoContent)
}

// requireGuildPermission checks one guild-level permission, writing the error
// response on failure. Returns true when the handler should stop.
func (h *ChannelHandler) requireGuildPermission(c fiber.Ctx, guildID, userID snowflake.ID, p permission.Permission) bool {
	allowed, err := h.resolver.HasGuildPermission(c, guildID, userID, p)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("permission check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to do this")
		return true
	}
	return false
}

func (h *ChannelHandler) publish(c fiber.Ctx, eventType gateway.DispatchEvent, guildID snowflake.ID, data any) {
	if h.gateway == nil {
		return
	}
	if err := h.gateway.Publish(c, eventType, guildID, 0, data); err != nil {
		h.log.Warn().Err(err).Str("event", string(eventType)).Msg("Gateway publish failed")
	}
}

func (h *ChannelHandler) invalidateChannel(c fiber.Ctx, channelID snowflake.ID) {
	if h.permPub == nil {
		return
	}
	if err := h.permPub.InvalidateChannel(c, channelID); err != nil {
		h.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("failed to invalidate permission cache for channel")
	}
}

// mapChannelError converts channel-layer errors to HTTP responses.
func (h *ChannelHandler) mapChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound), errors.Is(err, permission.ErrChannelNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownChannel, "Channel not found")
	case errors.Is(err, channel.ErrNameLength),
		errors.Is(err, channel.ErrTopicLength),
		errors.Is(err, channel.ErrInvalidPosition):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled channel service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}
