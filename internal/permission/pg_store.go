package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// PGStore implements Store against the source-of-truth tables.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	var ownerID snowflake.ID
	err := s.db.QueryRow(ctx,
		`SELECT owner_id FROM guilds WHERE id = $1`, guildID,
	).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("guild %s: %w", guildID, pgx.ErrNoRows)
		}
		return 0, fmt.Errorf("query guild owner: %w", err)
	}
	return ownerID, nil
}

// MemberRoles returns the member's roles. The @everyone role (id equal to the
// guild id) is held implicitly by every member and has no member_roles row, so
// it is matched by id rather than by assignment.
func (s *PGStore) MemberRoles(ctx context.Context, guildID, userID snowflake.ID) ([]RoleEntry, error) {
	var isMember bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE guild_id = $1 AND user_id = $2)`,
		guildID, userID,
	).Scan(&isMember)
	if err != nil {
		return nil, fmt.Errorf("query membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotMember
	}

	rows, err := s.db.Query(ctx,
		`SELECT r.id, r.permissions, r.position
		 FROM roles r
		 WHERE r.guild_id = $1
		   AND (r.id = $1 OR EXISTS (
		       SELECT 1 FROM member_roles mr
		       WHERE mr.guild_id = $1 AND mr.user_id = $2 AND mr.role_id = r.id))`,
		guildID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query member roles: %w", err)
	}
	defer rows.Close()

	var roles []RoleEntry
	for rows.Next() {
		var r RoleEntry
		if err := rows.Scan(&r.RoleID, &r.Permissions, &r.Position); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

func (s *PGStore) Role(ctx context.Context, guildID, roleID snowflake.ID) (RoleEntry, error) {
	var r RoleEntry
	err := s.db.QueryRow(ctx,
		`SELECT id, permissions, position FROM roles WHERE guild_id = $1 AND id = $2`,
		guildID, roleID,
	).Scan(&r.RoleID, &r.Permissions, &r.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoleEntry{}, fmt.Errorf("role %s: %w", roleID, pgx.ErrNoRows)
		}
		return RoleEntry{}, fmt.Errorf("query role: %w", err)
	}
	return r, nil
}

func (s *PGStore) ChannelInfo(ctx context.Context, channelID snowflake.ID) (ChannelInfo, error) {
	var info ChannelInfo
	err := s.db.QueryRow(ctx,
		`SELECT id, guild_id FROM channels WHERE id = $1`, channelID,
	).Scan(&info.ID, &info.GuildID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChannelInfo{}, ErrChannelNotFound
		}
		return ChannelInfo{}, fmt.Errorf("query channel: %w", err)
	}
	return info, nil
}

func (s *PGStore) Overwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error) {
	rows, err := s.db.Query(ctx,
		`SELECT channel_id, target_id, target_type, allow, deny
		 FROM channel_overwrites WHERE channel_id = $1`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query overwrites: %w", err)
	}
	defer rows.Close()

	var overwrites []Overwrite
	for rows.Next() {
		var (
			ow         Overwrite
			targetType string
		)
		if err := rows.Scan(&ow.ChannelID, &ow.TargetID, &targetType, &ow.Allow, &ow.Deny); err != nil {
			return nil, fmt.Errorf("scan overwrite: %w", err)
		}
		ow.TargetType = TargetType(targetType)
		overwrites = append(overwrites, ow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overwrites: %w", err)
	}
	return overwrites, nil
}
