package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/postgres"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// DefaultListLimit and MaxListLimit bound member listing pagination.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ClampLimit normalises a requested page size into [1, MaxListLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

const selectColumns = `m.guild_id, m.user_id, u.username, u.display_name, m.nickname, m.joined_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Add(ctx context.Context, guildID, userID snowflake.ID) (*Member, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO members (guild_id, user_id) VALUES ($1, $2)`,
		guildID, userID,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("insert member: %w", err)
	}
	return r.Get(ctx, guildID, userID)
}

func (r *PGRepository) Get(ctx context.Context, guildID, userID snowflake.ID) (*Member, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`
		 FROM members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.guild_id = $1 AND m.user_id = $2`,
		guildID, userID,
	)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	if err := r.loadRoles(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List pages members ordered by user id. The after cursor is exclusive.
func (r *PGRepository) List(ctx context.Context, guildID snowflake.ID, limit int, after snowflake.ID) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+`
		 FROM members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.guild_id = $1 AND m.user_id > $2
		 ORDER BY m.user_id
		 LIMIT $3`,
		guildID, after, ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.GuildID, &m.UserID, &m.Username, &m.DisplayName,
			&m.Nickname, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}

	for i := range members {
		if err := r.loadRoles(ctx, &members[i]); err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (r *PGRepository) Remove(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM members WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) UpdateNickname(ctx context.Context, guildID, userID snowflake.ID, nickname string) (*Member, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE members SET nickname = $3 WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID, nickname,
	)
	if err != nil {
		return nil, fmt.Errorf("update nickname: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.Get(ctx, guildID, userID)
}

func (r *PGRepository) AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO member_roles (guild_id, user_id, role_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		guildID, userID, roleID,
	)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert member role: %w", err)
	}
	return nil
}

func (r *PGRepository) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM member_roles WHERE guild_id = $1 AND user_id = $2 AND role_id = $3`,
		guildID, userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("delete member role: %w", err)
	}
	return nil
}

func (r *PGRepository) GuildIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT guild_id FROM members WHERE user_id = $1 ORDER BY guild_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query member guilds: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *PGRepository) UserIDs(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM members WHERE guild_id = $1 ORDER BY user_id`, guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guild members: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *PGRepository) loadRoles(ctx context.Context, m *Member) error {
	rows, err := r.db.Query(ctx,
		`SELECT role_id FROM member_roles WHERE guild_id = $1 AND user_id = $2 ORDER BY role_id`,
		m.GuildID, m.UserID,
	)
	if err != nil {
		return fmt.Errorf("query member roles: %w", err)
	}
	defer rows.Close()

	ids, err := scanIDs(rows)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []snowflake.ID{}
	}
	m.RoleIDs = ids
	return nil
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	err := row.Scan(&m.GuildID, &m.UserID, &m.Username, &m.DisplayName, &m.Nickname, &m.JoinedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanIDs(rows pgx.Rows) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
