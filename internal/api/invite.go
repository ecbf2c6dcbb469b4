package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/invite"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// InviteHandler serves invite endpoints. Redemption lives on MemberHandler;
// this handler covers creation, inspection, and revocation.
type InviteHandler struct {
	invites  invite.Repository
	channels channel.Repository
	resolver *permission.Resolver
	log      zerolog.Logger
}

// NewInviteHandler creates a new invite handler.
func NewInviteHandler(
	invites invite.Repository,
	channels channel.Repository,
	resolver *permission.Resolver,
	logger zerolog.Logger,
) *InviteHandler {
	return &InviteHandler{
		invites:  invites,
		channels: channels,
		resolver: resolver,
		log:      logger,
	}
}

type createInviteRequest struct {
	MaxUses   int `json:"max_uses"`
	ExpiresIn int `json:"expires_in"`
}

// CreateInvite handles POST /api/v1/channels/:channelID/invites. Requires
// CREATE_INSTANT_INVITE on the channel. Zero max_uses means unlimited; zero
// expires_in (seconds) means the invite never expires.
func (h *InviteHandler) CreateInvite(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid channel ID format")
	}

	allowed, err := h.resolver.HasChannelPermission(c, channelID, userID, permission.CreateInstantInvite)
	if err != nil {
		if errors.Is(err, permission.ErrChannelNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownChannel, "Channel not found")
		}
		h.log.Error().Err(err).Str("handler", "invite").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to create invites")
	}

	var body createInviteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.MaxUses < 0 || body.ExpiresIn < 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "max_uses and expires_in must not be negative")
	}

	ch, err := h.channels.GetByID(c, channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownChannel, "Channel not found")
		}
		return h.mapInviteError(c, err)
	}

	var expiresAt *time.Time
	if body.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	code, err := invite.NewCode()
	if err != nil {
		return h.mapInviteError(c, err)
	}

	inv, err := h.invites.Create(c, code, invite.CreateParams{
		GuildID:   ch.GuildID,
		ChannelID: channelID,
		InviterID: userID,
		MaxUses:   body.MaxUses,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return h.mapInviteError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, inv)
}

// ListInvites handles GET /api/v1/guilds/:guildID/invites. Requires
// MANAGE_GUILD.
func (h *InviteHandler) ListInvites(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	allowed, err := h.resolver.HasGuildPermission(c, guildID, userID, permission.ManageGuild)
	if err != nil {
		if errors.Is(err, permission.ErrNotMember) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
		}
		h.log.Error().Err(err).Str("handler", "invite").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to manage this guild")
	}

	invites, err := h.invites.ListGuild(c, guildID)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	return httputil.Success(c, invites)
}

// GetInvite handles GET /api/v1/invites/:code. Anyone authenticated may
// preview an invite before joining.
func (h *InviteHandler) GetInvite(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	inv, err := h.invites.GetByCode(c, c.Params("code"))
	if err != nil {
		return h.mapInviteError(c, err)
	}
	return httputil.Success(c, inv)
}

// DeleteInvite handles DELETE /api/v1/invites/:code. The inviter may revoke
// their own invite; anyone else needs MANAGE_GUILD on the invite's guild.
func (h *InviteHandler) DeleteInvite(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	code := c.Params("code")
	inv, err := h.invites.GetByCode(c, code)
	if err != nil {
		return h.mapInviteError(c, err)
	}

	if inv.InviterID != userID {
		allowed, pErr := h.resolver.HasGuildPermission(c, inv.GuildID, userID, permission.ManageGuild)
		if pErr != nil {
			h.log.Error().Err(pErr).Str("handler", "invite").Msg("permission check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to revoke this invite")
		}
	}

	if err := h.invites.Delete(c, code); err != nil {
		return h.mapInviteError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// mapInviteError converts invite-layer errors to HTTP responses.
func (h *InviteHandler) mapInviteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownInvite, "Invite not found")
	case errors.Is(err, invite.ErrExpired), errors.Is(err, invite.ErrMaxUses):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInviteUnusable, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "invite").Msg("unhandled invite service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}
