package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/message"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// MessageHandler serves message endpoints. Every mutation re-checks
// permissions through the resolver, never trusting what a client last saw.
type MessageHandler struct {
	messages   message.Repository
	channels   channel.Repository
	resolver   *permission.Resolver
	node       *snowflake.Node
	gateway    *gateway.Publisher
	maxContent int
	log        zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	messages message.Repository,
	channels channel.Repository,
	resolver *permission.Resolver,
	node *snowflake.Node,
	gw *gateway.Publisher,
	maxContent int,
	logger zerolog.Logger,
) *MessageHandler {
	return &MessageHandler{
		messages:   messages,
		channels:   channels,
		resolver:   resolver,
		node:       node,
		gateway:    gw,
		maxContent: maxContent,
		log:        logger,
	}
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

// ListMessages handles GET /api/v1/channels/:channelID/messages. Requires
// VIEW_CHANNEL and READ_MESSAGE_HISTORY.
func (h *MessageHandler) ListMessages(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	if stop := h.requireChannelPermission(c, channelID, userID,
		permission.ViewChannel|permission.ReadMessageHistory); stop {
		return nil
	}

	var before snowflake.ID
	if raw := c.Query("before"); raw != "" {
		before, err = snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid before parameter")
		}
	}

	rawLimit, _ := strconv.Atoi(c.Query("limit"))
	limit := message.ClampLimit(rawLimit)

	messages, err := h.messages.List(c, channelID, before, limit)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, messages)
}

// CreateMessage handles POST /api/v1/channels/:channelID/messages. Requires
// VIEW_CHANNEL and SEND_MESSAGES, checked at write time.
func (h *MessageHandler) CreateMessage(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	if stop := h.requireChannelPermission(c, channelID, userID,
		permission.ViewChannel|permission.SendMessages); stop {
		return nil
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	content, err := message.ValidateContent(body.Content, h.maxContent)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	ch, err := h.channels.GetByID(c, channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownChannel, "Channel not found")
		}
		return h.mapMessageError(c, err)
	}

	msg, err := h.messages.Create(c, message.CreateParams{
		ID:        h.node.Next(),
		ChannelID: channelID,
		AuthorID:  userID,
		Content:   content,
	})
	if err != nil {
		return h.mapMessageError(c, err)
	}

	h.publish(c, gateway.EventMessageCreate, ch.GuildID, channelID, msg)
	return httputil.SuccessStatus(c, fiber.StatusCreated, msg)
}

// EditMessage handles PATCH /api/v1/channels/:channelID/messages/:messageID.
// Author only.
func (h *MessageHandler) EditMessage(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	messageID, err := snowflake.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid message ID format")
	}

	var body updateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	content, err := message.ValidateContent(body.Content, h.maxContent)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	existing, err := h.messages.GetByID(c, messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if existing.AuthorID != userID {
		return h.mapMessageError(c, message.ErrNotAuthor)
	}

	msg, err := h.messages.Update(c, messageID, content)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	if ch, cErr := h.channels.GetByID(c, msg.ChannelID); cErr == nil {
		h.publish(c, gateway.EventMessageUpdate, ch.GuildID, msg.ChannelID, msg)
	}
	return httputil.Success(c, msg)
}

// DeleteMessage handles DELETE
// /api/v1/channels/:channelID/messages/:messageID. The author may always
// delete their own messages; anyone else needs MANAGE_MESSAGES on the
// channel.
func (h *MessageHandler) DeleteMessage(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	messageID, err := snowflake.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid message ID format")
	}

	existing, err := h.messages.GetByID(c, messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	if existing.AuthorID != userID {
		allowed, pErr := h.resolver.HasChannelPermission(c, existing.ChannelID, userID, permission.ManageMessages)
		if pErr != nil {
			h.log.Error().Err(pErr).Str("handler", "message").Msg("permission check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions,
				"You do not have permission to delete this message")
		}
	}

	if err := h.messages.Delete(c, messageID); err != nil {
		return h.mapMessageError(c, err)
	}

	if ch, cErr := h.channels.GetByID(c, existing.ChannelID); cErr == nil {
		payload := struct {
			ID        snowflake.ID `json:"id"`
			ChannelID snowflake.ID `json:"channel_id"`
		}{ID: messageID, ChannelID: existing.ChannelID}
		h.publish(c, gateway.EventMessageDelete, ch.GuildID, existing.ChannelID, payload)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// requireChannelPermission checks channel-level permissions, writing the
// error response on failure. Returns true when the handler should stop.
func (h *MessageHandler) requireChannelPermission(c fiber.Ctx, channelID, userID snowflake.ID, p permission.Permission) bool {
	allowed, err := h.resolver.HasChannelPermission(c, channelID, userID, p)
	if err != nil {
		if errors.Is(err, permission.ErrChannelNotFound) {
			_ = httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownChannel, "Channel not found")
			return true
		}
		h.log.Error().Err(err).Str("handler", "message").Msg("permission check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to do this")
		return true
	}
	return false
}

func (h *MessageHandler) publish(c fiber.Ctx, eventType gateway.DispatchEvent, guildID, channelID snowflake.ID, data any) {
	if h.gateway == nil {
		return
	}
	if err := h.gateway.Publish(c, eventType, guildID, channelID, data); err != nil {
		h.log.Warn().Err(err).Str("event", string(eventType)).Msg("Gateway publish failed")
	}
}

// mapMessageError converts message-layer errors to HTTP responses.
func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownMessage, "Message not found")
	case errors.Is(err, message.ErrEmptyContent), errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, message.ErrNotAuthor):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}
