package permission

import (
	"context"
	"errors"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for permission source-of-truth lookups.
var (
	// ErrNotMember is returned when the user has no membership row in the
	// guild. The resolver maps it to an empty permission set.
	ErrNotMember = errors.New("user is not a member of the guild")
	// ErrChannelNotFound is returned when the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
)

// TargetType identifies whether a channel overwrite applies to a role or a
// single member.
type TargetType string

const (
	TargetRole   TargetType = "role"
	TargetMember TargetType = "member"
)

// Overwrite is a per-channel (allow, deny) bitfield pair.
type Overwrite struct {
	ChannelID  snowflake.ID
	TargetID   snowflake.ID
	TargetType TargetType
	Allow      Permission
	Deny       Permission
}

// RoleEntry pairs a role id with its guild-level permission bitfield.
type RoleEntry struct {
	RoleID      snowflake.ID
	Permissions Permission
	Position    int32
}

// ChannelInfo holds the routing facts the resolver needs about a channel.
type ChannelInfo struct {
	ID      snowflake.ID
	GuildID snowflake.ID
}

// Store provides read access to the source-of-truth permission data. Mutating
// services authorise against this store directly; only the read-side dispatch
// filter may rely on the cache in front of it.
type Store interface {
	// GuildOwner returns the owner user id of the guild.
	GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error)
	// MemberRoles returns one entry per role held by the member, always
	// including the @everyone role (the role whose id equals the guild id).
	// Returns ErrNotMember when the user is not in the guild.
	MemberRoles(ctx context.Context, guildID, userID snowflake.ID) ([]RoleEntry, error)
	// Role returns the entry for a single role.
	Role(ctx context.Context, guildID, roleID snowflake.ID) (RoleEntry, error)
	// ChannelInfo resolves a channel to its guild.
	ChannelInfo(ctx context.Context, channelID snowflake.ID) (ChannelInfo, error)
	// Overwrites returns all overwrites of a channel.
	Overwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error)
}
