package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/guild"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/invite"
	"github.com/parley-chat/parley-server/internal/member"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/role"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// MemberHandler serves membership endpoints: joining through invites,
// leaving, kicks, nicknames, and role assignment.
type MemberHandler struct {
	members  member.Repository
	invites  invite.Repository
	guilds   guild.Repository
	roles    role.Repository
	resolver *permission.Resolver
	permPub  *permission.Publisher
	gateway  *gateway.Publisher
	registry *gateway.Registry
	log      zerolog.Logger
}

// NewMemberHandler creates a new member handler.
func NewMemberHandler(
	members member.Repository,
	invites invite.Repository,
	guilds guild.Repository,
	roles role.Repository,
	resolver *permission.Resolver,
	permPub *permission.Publisher,
	gw *gateway.Publisher,
	registry *gateway.Registry,
	logger zerolog.Logger,
) *MemberHandler {
	return &MemberHandler{
		members:  members,
		invites:  invites,
		guilds:   guilds,
		roles:    roles,
		resolver: resolver,
		permPub:  permPub,
		gateway:  gw,
		registry: registry,
		log:      logger,
	}
}

type updateMemberRequest struct {
	Nickname *string `json:"nickname"`
}

// Join handles POST /api/v1/invites/:code/join. Redeeming the invite and
// adding the member are two steps; a duplicate join burns an invite use,
// which mirrors how invite links behave elsewhere.
func (h *MemberHandler) Join(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	code := c.Params("code")
	if code == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Missing invite code")
	}

	inv, err := h.invites.Use(c, code)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownInvite, "Invite not found")
		case errors.Is(err, invite.ErrExpired), errors.Is(err, invite.ErrMaxUses):
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInviteUnusable, err.Error())
		default:
			h.log.Error().Err(err).Str("code", code).Msg("invite redemption failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		}
	}

	m, err := h.members.Add(c, inv.GuildID, userID)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	h.subscribeUser(userID, inv.GuildID)
	h.invalidateGuildUser(c, inv.GuildID, userID)

	g, err := h.guilds.GetByID(c, inv.GuildID)
	if err != nil {
		h.log.Error().Err(err).Stringer("guild_id", inv.GuildID).Msg("guild lookup after join failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}

	if h.gateway != nil {
		if pErr := h.gateway.Publish(c, gateway.EventGuildMemberAdd, inv.GuildID, 0, m); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", inv.GuildID).Msg("Failed to publish member add")
		}
		// The joining user's own connections learn about the new guild.
		if pErr := h.gateway.PublishToUsers(c, gateway.EventGuildCreate, []snowflake.ID{userID}, g); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", inv.GuildID).Msg("Failed to publish guild create")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, g)
}

// ListMembers handles GET /api/v1/guilds/:guildID/members. Members only,
// keyset paginated by user ID.
func (h *MemberHandler) ListMembers(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	if stop := h.requireMembership(c, guildID, userID); stop {
		return nil
	}

	var after snowflake.ID
	if raw := c.Query("after"); raw != "" {
		after, err = snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid after parameter")
		}
	}
	rawLimit, _ := strconv.Atoi(c.Query("limit"))

	members, err := h.members.List(c, guildID, rawLimit, after)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	return httputil.Success(c, members)
}

// UpdateSelf handles PATCH /api/v1/guilds/:guildID/members/@me. Changing
// your own nickname needs no permission.
func (h *MemberHandler) UpdateSelf(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	return h.updateNickname(c, guildID, userID)
}

// UpdateMember handles PATCH /api/v1/guilds/:guildID/members/:userID.
// Requires MANAGE_NICKNAMES and role hierarchy over the target.
func (h *MemberHandler) UpdateMember(c fiber.Ctx) error {
	actorID := auth.UserID(c)
	if actorID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid user ID format")
	}

	if stop := h.requireGuildPermission(c, guildID, actorID, permission.ManageNicknames); stop {
		return nil
	}
	if stop := h.requireHierarchy(c, guildID, actorID, targetID); stop {
		return nil
	}

	return h.updateNickname(c, guildID, targetID)
}

func (h *MemberHandler) updateNickname(c fiber.Ctx, guildID, targetID snowflake.ID) error {
	var body updateMemberRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.Nickname == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Nothing to update")
	}
	if err := member.ValidateNickname(body.Nickname); err != nil {
		return h.mapMemberError(c, err)
	}

	m, err := h.members.UpdateNickname(c, guildID, targetID, *body.Nickname)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	if h.gateway != nil {
		if pErr := h.gateway.Publish(c, gateway.EventGuildMemberUpdate, guildID, 0, m); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", guildID).Msg("Failed to publish member update")
		}
	}
	return httputil.Success(c, m)
}

// Leave handles DELETE /api/v1/guilds/:guildID/members/@me. Owners must
// transfer or delete the guild instead.
func (h *MemberHandler) Leave(c fiber.Ctx) error {
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
		if errors.Is(err, guild.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("guild lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	if g.OwnerID == userID {
		return h.mapMemberError(c, member.ErrCannotLeaveOwn)
	}

	return h.removeMember(c, guildID, userID)
}

// Kick handles DELETE /api/v1/guilds/:guildID/members/:userID. Requires
// KICK_MEMBERS and role hierarchy over the target.
func (h *MemberHandler) Kick(c fiber.Ctx) error {
	actorID := auth.UserID(c)
	if actorID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid user ID format")
	}
	if targetID == actorID {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Use the leave endpoint to remove yourself")
	}

	if stop := h.requireGuildPermission(c, guildID, actorID, permission.KickMembers); stop {
		return nil
	}
	if stop := h.requireHierarchy(c, guildID, actorID, targetID); stop {
		return nil
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err == nil && g.OwnerID == targetID {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "The guild owner cannot be kicked")
	}

	return h.removeMember(c, guildID, targetID)
}

// removeMember removes the membership row, tears down live subscriptions,
// invalidates cached permissions, and publishes the removal.
func (h *MemberHandler) removeMember(c fiber.Ctx, guildID, targetID snowflake.ID) error {
	if err := h.members.Remove(c, guildID, targetID); err != nil {
		return h.mapMemberError(c, err)
	}

	h.unsubscribeUser(targetID, guildID)
	h.invalidateGuildUser(c, guildID, targetID)

	if h.gateway != nil {
		payload := struct {
			GuildID snowflake.ID `json:"guild_id"`
			UserID  snowflake.ID `json:"user_id"`
		}{GuildID: guildID, UserID: targetID}
		if pErr := h.gateway.Publish(c, gateway.EventGuildMemberRemove, guildID, 0, payload); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", guildID).Msg("Failed to publish member remove")
		}
		guildGone := struct {
			ID snowflake.ID `json:"id"`
		}{ID: guildID}
		if pErr := h.gateway.PublishToUsers(c, gateway.EventGuildDelete, []snowflake.ID{targetID}, guildGone); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", guildID).Msg("Failed to publish guild delete to removed member")
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// AddRole handles PUT /api/v1/guilds/:guildID/members/:userID/roles/:roleID.
func (h *MemberHandler) AddRole(c fiber.Ctx) error {
	return h.changeRole(c, true)
}

// RemoveRole handles DELETE
// /api/v1/guilds/:guildID/members/:userID/roles/:roleID.
func (h *MemberHandler) RemoveRole(c fiber.Ctx) error {
	return h.changeRole(c, false)
}

func (h *MemberHandler) changeRole(c fiber.Ctx, add bool) error {
	actorID := auth.UserID(c)
	if actorID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid user ID format")
	}
	roleID, err := snowflake.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid role ID format")
	}

	if stop := h.requireGuildPermission(c, guildID, actorID, permission.ManageRoles); stop {
		return nil
	}

	r, err := h.roles.GetByID(c, guildID, roleID)
	if err != nil {
		if errors.Is(err, role.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownRole, "Role not found")
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("role lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	// @everyone is implicit for all members; it cannot be granted or revoked.
	if r.IsEveryone() {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "The everyone role cannot be assigned")
	}

	allowed, err := h.resolver.CanManageRole(c, guildID, actorID, roleID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("hierarchy check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions,
			"You cannot manage a role positioned at or above your highest role")
	}

	if add {
		err = h.members.AddRole(c, guildID, targetID, roleID)
	} else {
		err = h.members.RemoveRole(c, guildID, targetID, roleID)
	}
	if err != nil {
		return h.mapMemberError(c, err)
	}

	h.invalidateGuildUser(c, guildID, targetID)

	if m, mErr := h.members.Get(c, guildID, targetID); mErr == nil && h.gateway != nil {
		if pErr := h.gateway.Publish(c, gateway.EventGuildMemberUpdate, guildID, 0, m); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("guild_id", guildID).Msg("Failed to publish member update")
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// requireMembership writes a 404 for non-members, hiding the guild's
// existence. Returns true when the handler should stop.
func (h *MemberHandler) requireMembership(c fiber.Ctx, guildID, userID snowflake.ID) bool {
	if _, err := h.members.Get(c, guildID, userID); err != nil {
		if errors.Is(err, member.ErrNotFound) {
			_ = httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
			return true
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("membership check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	return false
}

func (h *MemberHandler) requireGuildPermission(c fiber.Ctx, guildID, userID snowflake.ID, p permission.Permission) bool {
	allowed, err := h.resolver.HasGuildPermission(c, guildID, userID, p)
	if err != nil {
		if errors.Is(err, permission.ErrNotMember) {
			_ = httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
			return true
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("permission check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to do this")
		return true
	}
	return false
}

// requireHierarchy enforces that the actor's highest role outranks the
// target's. Returns true when the handler should stop.
func (h *MemberHandler) requireHierarchy(c fiber.Ctx, guildID, actorID, targetID snowflake.ID) bool {
	allowed, err := h.resolver.CanManageMember(c, guildID, actorID, targetID)
	if err != nil {
		if errors.Is(err, permission.ErrNotMember) {
			_ = httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownMember, "Member not found")
			return true
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("hierarchy check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions,
			"You cannot manage a member with an equal or higher role")
		return true
	}
	return false
}

func (h *MemberHandler) subscribeUser(userID, guildID snowflake.ID) {
	if h.registry == nil {
		return
	}
	h.registry.ForUser(userID, func(client *gateway.Client) {
		h.registry.SubscribeGuild(client, guildID)
	})
}

func (h *MemberHandler) unsubscribeUser(userID, guildID snowflake.ID) {
	if h.registry == nil {
		return
	}
	var clients []*gateway.Client
	h.registry.ForUser(userID, func(client *gateway.Client) {
		clients = append(clients, client)
	})
	for _, client := range clients {
		h.registry.UnsubscribeGuild(client, guildID)
	}
}

func (h *MemberHandler) invalidateGuildUser(c fiber.Ctx, guildID, userID snowflake.ID) {
	if h.permPub == nil {
		return
	}
	if err := h.permPub.InvalidateGuildUser(c, guildID, userID); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("failed to invalidate permission cache for member")
	}
}

// mapMemberError converts member-layer errors to HTTP responses.
func (h *MemberHandler) mapMemberError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, member.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownMember, "Member not found")
	case errors.Is(err, member.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeAlreadyExists, err.Error())
	case errors.Is(err, member.ErrNicknameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, member.ErrCannotLeaveOwn):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "member").Msg("unhandled member service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}
