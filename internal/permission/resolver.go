package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Resolver computes effective permissions for a user in a guild or channel.
// Results are memoised in the cache; the cache is advisory and every error on
// it falls through to a fresh computation.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger.With().Str("component", "permission").Logger()}
}

// GuildPermissions returns the effective guild-level permissions for a user,
// using the cache when available. Non-members resolve to an empty bitfield.
func (r *Resolver) GuildPermissions(ctx context.Context, guildID, userID snowflake.ID) (Permission, error) {
	if entry, ok, err := r.cache.GetGuild(ctx, guildID, userID); err != nil {
		r.log.Warn().Err(err).Msg("Guild permission cache get failed, falling through to compute")
	} else if ok {
		return entry.Permissions, nil
	}

	perm, _, err := r.basePermissions(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}

	if err := r.cache.SetGuild(ctx, guildID, userID, NewEntry(perm)); err != nil {
		r.log.Warn().Err(err).Msg("Guild permission cache set failed")
	}
	return perm, nil
}

// ChannelPermissions returns the effective permissions for a user in a
// channel, applying overwrites per the 4-step algorithm, using the cache when
// available.
func (r *Resolver) ChannelPermissions(ctx context.Context, channelID, userID snowflake.ID) (Permission, error) {
	if entry, ok, err := r.cache.GetChannel(ctx, channelID, userID); err != nil {
		r.log.Warn().Err(err).Msg("Channel permission cache get failed, falling through to compute")
	} else if ok {
		return entry.Permissions, nil
	}

	perm, err := r.computeChannel(ctx, channelID, userID)
	if err != nil {
		return 0, err
	}

	if err := r.cache.SetChannel(ctx, channelID, userID, NewEntry(perm)); err != nil {
		r.log.Warn().Err(err).Msg("Channel permission cache set failed")
	}
	return perm, nil
}

// HasGuildPermission checks a single guild-level permission.
func (r *Resolver) HasGuildPermission(ctx context.Context, guildID, userID snowflake.ID, p Permission) (bool, error) {
	effective, err := r.GuildPermissions(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	return effective.Has(p), nil
}

// HasChannelPermission checks a single channel-level permission.
func (r *Resolver) HasChannelPermission(ctx context.Context, channelID, userID snowflake.ID, p Permission) (bool, error) {
	effective, err := r.ChannelPermissions(ctx, channelID, userID)
	if err != nil {
		return false, err
	}
	return effective.Has(p), nil
}

// CanView is the dispatch filter's question: may the user see the channel?
// Cache errors are not fatal here; the dispatcher treats them as "don't
// filter" because mutating services re-check against the source of truth.
func (r *Resolver) CanView(ctx context.Context, channelID, userID snowflake.ID) (bool, error) {
	if entry, ok, err := r.cache.GetChannel(ctx, channelID, userID); err == nil && ok {
		return entry.CanView, nil
	}
	return r.HasChannelPermission(ctx, channelID, userID, ViewChannel)
}

// basePermissions performs steps 1-3 of the guild algorithm: owner bypass,
// role union with @everyone always included, Administrator promotion. A nil
// roles slice in the return signals that overwrites must be skipped (owner or
// admin).
func (r *Resolver) basePermissions(ctx context.Context, guildID, userID snowflake.ID) (Permission, []RoleEntry, error) {
	ownerID, err := r.store.GuildOwner(ctx, guildID)
	if err != nil {
		return 0, nil, fmt.Errorf("get guild owner: %w", err)
	}
	if ownerID == userID {
		return All, nil, nil
	}

	roles, err := r.store.MemberRoles(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			return 0, []RoleEntry{}, nil
		}
		return 0, nil, fmt.Errorf("get member roles: %w", err)
	}

	var base Permission
	for _, role := range roles {
		base = base.Add(role.Permissions)
	}

	if base&Administrator != 0 {
		return All, nil, nil
	}
	return base, roles, nil
}

// computeChannel runs the overwrite algorithm: @everyone overwrite first,
// then all role overwrites accumulated and applied once, then the
// member-specific overwrite. Owners and administrators short-circuit to All.
func (r *Resolver) computeChannel(ctx context.Context, channelID, userID snowflake.ID) (Permission, error) {
	info, err := r.store.ChannelInfo(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("get channel info: %w", err)
	}

	base, roles, err := r.basePermissions(ctx, info.GuildID, userID)
	if err != nil {
		return 0, err
	}
	if roles == nil {
		return All, nil
	}

	overwrites, err := r.store.Overwrites(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("get channel overwrites: %w", err)
	}

	held := make(map[snowflake.ID]struct{}, len(roles))
	for _, role := range roles {
		held[role.RoleID] = struct{}{}
	}

	var (
		roleAllow, roleDeny Permission
		memberOW            *Overwrite
	)
	for i := range overwrites {
		ow := &overwrites[i]
		switch {
		case ow.TargetType == TargetMember && ow.TargetID == userID:
			memberOW = ow
		case ow.TargetType == TargetRole && ow.TargetID == info.GuildID:
			// @everyone overwrite applies before any role overwrite.
			base = base.ApplyOverwrite(ow.Allow, ow.Deny)
		case ow.TargetType == TargetRole:
			if _, ok := held[ow.TargetID]; ok {
				roleAllow = roleAllow.Add(ow.Allow)
				roleDeny = roleDeny.Add(ow.Deny)
			}
		}
	}

	base = base.ApplyOverwrite(roleAllow, roleDeny)
	if memberOW != nil {
		base = base.ApplyOverwrite(memberOW.Allow, memberOW.Deny)
	}
	return base, nil
}

// CanManageMember implements the role-hierarchy rule: the actor's highest
// role position must strictly exceed the target's, owners manage anyone, and
// the owner is unmanageable except by themselves.
func (r *Resolver) CanManageMember(ctx context.Context, guildID, actorID, targetID snowflake.ID) (bool, error) {
	if actorID == targetID {
		return true, nil
	}

	ownerID, err := r.store.GuildOwner(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("get guild owner: %w", err)
	}
	if targetID == ownerID {
		return false, nil
	}
	if actorID == ownerID {
		return true, nil
	}

	actorPos, err := r.highestPosition(ctx, guildID, actorID)
	if err != nil {
		return false, err
	}
	targetPos, err := r.highestPosition(ctx, guildID, targetID)
	if err != nil {
		return false, err
	}
	return actorPos > targetPos, nil
}

// CanManageRole reports whether the actor may modify the role: owner, or
// highest role position strictly above the role's position.
func (r *Resolver) CanManageRole(ctx context.Context, guildID, actorID, roleID snowflake.ID) (bool, error) {
	ownerID, err := r.store.GuildOwner(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("get guild owner: %w", err)
	}
	if actorID == ownerID {
		return true, nil
	}

	role, err := r.store.Role(ctx, guildID, roleID)
	if err != nil {
		return false, fmt.Errorf("get role: %w", err)
	}
	actorPos, err := r.highestPosition(ctx, guildID, actorID)
	if err != nil {
		return false, err
	}
	return actorPos > role.Position, nil
}

func (r *Resolver) highestPosition(ctx context.Context, guildID, userID snowflake.ID) (int32, error) {
	roles, err := r.store.MemberRoles(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			return -1, nil
		}
		return 0, fmt.Errorf("get member roles: %w", err)
	}

	var highest int32
	for _, role := range roles {
		if role.Position > highest {
			highest = role.Position
		}
	}
	return highest, nil
}
