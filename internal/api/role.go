package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/role"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// RoleHandler serves role endpoints. All writes require MANAGE_ROLES plus
// hierarchy over the affected role; updates that change permission bits
// invalidate the guild's cached entries.
type RoleHandler struct {
	roles    role.Repository
	resolver *permission.Resolver
	node     *snowflake.Node
	gateway  *gateway.Publisher
	permPub  *permission.Publisher
	log      zerolog.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(
	roles role.Repository,
	resolver *permission.Resolver,
	node *snowflake.Node,
	gw *gateway.Publisher,
	permPub *permission.Publisher,
	logger zerolog.Logger,
) *RoleHandler {
	return &RoleHandler{
		roles:    roles,
		resolver: resolver,
		node:     node,
		gateway:  gw,
		permPub:  permPub,
		log:      logger,
	}
}

type createRoleRequest struct {
	Name        string                `json:"name"`
	Permissions permission.Permission `json:"permissions"`
	Position    int                   `json:"position"`
	Color       int                   `json:"color"`
}

type updateRoleRequest struct {
	Name        *string                `json:"name"`
	Permissions *permission.Permission `json:"permissions"`
	Position    *int                   `json:"position"`
	Color       *int                   `json:"color"`
}

// ListRoles handles GET /api/v1/guilds/:guildID/roles. Members only.
func (h *RoleHandler) ListRoles(c fiber.Ctx) error {
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

	roles, err := h.roles.ListGuild(c, guildID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	return httputil.Success(c, roles)
}

// CreateRole handles POST /api/v1/guilds/:guildID/roles.
func (h *RoleHandler) CreateRole(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}

	if stop := h.requireGuildPermission(c, guildID, userID, permission.ManageRoles); stop {
		return nil
	}

	var body createRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	name, err := role.ValidateName(body.Name)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidateColor(&body.Color); err != nil {
		return h.mapRoleError(c, err)
	}

	r, err := h.roles.Create(c, role.CreateParams{
		ID:          h.node.Next(),
		GuildID:     guildID,
		Name:        name,
		Permissions: body.Permissions,
		Position:    body.Position,
		Color:       body.Color,
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}

	h.publishGuildUpdate(c, guildID, r)
	return httputil.SuccessStatus(c, fiber.StatusCreated, r)
}

// UpdateRole handles PATCH /api/v1/guilds/:guildID/roles/:roleID.
func (h *RoleHandler) UpdateRole(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}
	roleID, err := snowflake.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid role ID format")
	}

	if stop := h.requireGuildPermission(c, guildID, userID, permission.ManageRoles); stop {
		return nil
	}
	if stop := h.requireHierarchy(c, guildID, userID, roleID); stop {
		return nil
	}

	var body updateRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	params := role.UpdateParams{
		Permissions: body.Permissions,
		Position:    body.Position,
		Color:       body.Color,
	}
	if body.Name != nil {
		name, vErr := role.ValidateName(*body.Name)
		if vErr != nil {
			return h.mapRoleError(c, vErr)
		}
		params.Name = &name
	}
	if err := role.ValidateColor(body.Color); err != nil {
		return h.mapRoleError(c, err)
	}

	r, err := h.roles.Update(c, guildID, roleID, params)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	// Changed permission bits affect everyone holding the role.
	if body.Permissions != nil {
		h.invalidateGuild(c, guildID)
	}

	h.publishGuildUpdate(c, guildID, r)
	return httputil.Success(c, r)
}

// DeleteRole handles DELETE /api/v1/guilds/:guildID/roles/:roleID. The
// @everyone role cannot be deleted.
func (h *RoleHandler) DeleteRole(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid guild ID format")
	}
	roleID, err := snowflake.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid role ID format")
	}

	if stop := h.requireGuildPermission(c, guildID, userID, permission.ManageRoles); stop {
		return nil
	}
	if stop := h.requireHierarchy(c, guildID, userID, roleID); stop {
		return nil
	}

	if err := h.roles.Delete(c, guildID, roleID); err != nil {
		return h.mapRoleError(c, err)
	}

	h.invalidateGuild(c, guildID)
	h.publishGuildUpdate(c, guildID, struct {
		GuildID snowflake.ID `json:"guild_id"`
		RoleID  snowflake.ID `json:"role_id"`
	}{GuildID: guildID, RoleID: roleID})

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RoleHandler) requireGuildPermission(c fiber.Ctx, guildID, userID snowflake.ID, p permission.Permission) bool {
	allowed, err := h.resolver.HasGuildPermission(c, guildID, userID, p)
	if err != nil {
		if errors.Is(err, permission.ErrNotMember) {
			_ = httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
			return true
		}
		h.log.Error().Err(err).Str("handler", "role").Msg("permission check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions, "You do not have permission to manage roles")
		return true
	}
	return false
}

// requireHierarchy enforces that the actor's highest role outranks the role
// being changed. Returns true when the handler should stop.
func (h *RoleHandler) requireHierarchy(c fiber.Ctx, guildID, actorID, roleID snowflake.ID) bool {
	allowed, err := h.resolver.CanManageRole(c, guildID, actorID, roleID)
	if err != nil {
		if errors.Is(err, permission.ErrNotMember) {
			_ = httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownGuild, "Guild not found")
			return true
		}
		h.log.Error().Err(err).Str("handler", "role").Msg("hierarchy check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
		return true
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, httputil.CodeMissingPermissions,
			"You cannot manage a role positioned at or above your highest role")
		return true
	}
	return false
}

func (h *RoleHandler) publishGuildUpdate(c fiber.Ctx, guildID snowflake.ID, data any) {
	if h.gateway == nil {
		return
	}
	if err := h.gateway.Publish(c, gateway.EventGuildUpdate, guildID, 0, data); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to publish guild update")
	}
}

func (h *RoleHandler) invalidateGuild(c fiber.Ctx, guildID snowflake.ID) {
	if h.permPub == nil {
		return
	}
	if err := h.permPub.InvalidateGuild(c, guildID); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("failed to invalidate permission cache for guild")
	}
}

// mapRoleError converts role-layer errors to HTTP responses.
func (h *RoleHandler) mapRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeUnknownRole, "Role not found")
	case errors.Is(err, role.ErrNameLength), errors.Is(err, role.ErrColorRange):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, role.ErrEveryoneLocked):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("unhandled role service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}
