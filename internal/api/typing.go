package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/presence"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// TypingHandler serves typing indicator endpoints. The indicator is
// throttled server-side: repeated starts within the TTL publish nothing.
type TypingHandler struct {
	presence *presence.Store
	channels channel.Repository
	resolver *permission.Resolver
	gateway  *gateway.Publisher
	log      zerolog.Logger
}

// NewTypingHandler creates a new typing handler.
func NewTypingHandler(
	presenceStore *presence.Store,
	channels channel.Repository,
	resolver *permission.Resolver,
	gw *gateway.Publisher,
	logger zerolog.Logger,
) *TypingHandler {
	return &TypingHandler{
		presence: presenceStore,
		channels: channels,
		resolver: resolver,
		gateway:  gw,
		log:      logger,
	}
}

// StartTyping handles POST /api/v1/channels/:channelID/typing. Requires
// VIEW_CHANNEL and SEND_MESSAGES; only the first call within the typing TTL
// publishes a TYPING_START event.
func (h *TypingHandler) StartTyping(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	if stop := h.requirePermission(c, channelID, userID); stop {
		return nil
	}

	created, err := h.presence.SetTyping(c, channelID, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("channel_id", channelID).Msg("failed to set typing state")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	if created && h.gateway != nil {
		ch, cErr := h.channels.GetByID(c, channelID)
		if cErr == nil {
			payload := gateway.TypingStartPayload{
				GuildID:   ch.GuildID,
				ChannelID: channelID,
				UserID:    userID,
				Timestamp: time.Now().UTC(),
			}
			if pErr := h.gateway.Publish(c, gateway.EventTypingStart, ch.GuildID, channelID, payload); pErr != nil {
				h.log.Warn().Err(pErr).Stringer("channel_id", channelID).Msg("Failed to publish typing start")
			}
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// StopTyping handles DELETE /api/v1/channels/:channelID/typing. Clearing is
// silent: clients let the indicator lapse on its own.
func (h *TypingHandler) StopTyping(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	if _, err := h.presence.ClearTyping(c, channelID, userID); err != nil {
		h.log.Error().Err(err).Stringer("channel_id", channelID).Msg("failed to clear typing state")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *TypingHandler) requirePermission(c fiber.Ctx, channelID, userID snowflake.ID) bool {
	allowed, err := h.resolver.HasChannelPermission(c, channelID, userID,
		permission.ViewChannel|permission.SendMessages)
	if err != nil {
		if errors.Is(err, permission.ErrChannelNotFound) {
			_ = httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownChannel, "Channel not found")
			return true
		}
		h.log.Error().Err(err).Str("handler", "typing").Msg("permission check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to do this")
		return true
	}
	return false
}
