package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

const selectColumns = `id, guild_id, name, permissions, position, color, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Role, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO roles (id, guild_id, name, permissions, position, color)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+selectColumns,
		params.ID, params.GuildID, params.Name, params.Permissions, params.Position, params.Color,
	)
	role, err := scanRole(row)
	if err != nil {
		return nil, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

func (r *PGRepository) GetByID(ctx context.Context, guildID, id snowflake.ID) (*Role, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM roles WHERE guild_id = $1 AND id = $2`,
		guildID, id,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role: %w", err)
	}
	return role, nil
}

func (r *PGRepository) ListGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM roles WHERE guild_id = $1 ORDER BY position DESC, id`,
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guild roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.GuildID, &role.Name, &role.Permissions,
			&role.Position, &role.Color, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

func (r *PGRepository) Update(ctx context.Context, guildID, id snowflake.ID, params UpdateParams) (*Role, error) {
	// The @everyone role keeps position 0; other fields stay editable.
	if id == guildID && params.Position != nil && *params.Position != 0 {
		return nil, ErrEveryoneLocked
	}

	row := r.db.QueryRow(ctx,
		`UPDATE roles
		 SET name = COALESCE($3, name),
		     permissions = COALESCE($4, permissions),
		     position = COALESCE($5, position),
		     color = COALESCE($6, color),
		     updated_at = now()
		 WHERE guild_id = $1 AND id = $2
		 RETURNING `+selectColumns,
		guildID, id, params.Name, params.Permissions, params.Position, params.Color,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update role: %w", err)
	}
	return role, nil
}

func (r *PGRepository) Delete(ctx context.Context, guildID, id snowflake.ID) error {
	if id == guildID {
		return ErrEveryoneLocked
	}

	tag, err := r.db.Exec(ctx,
		`DELETE FROM roles WHERE guild_id = $1 AND id = $2`, guildID, id,
	)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.GuildID, &role.Name, &role.Permissions,
		&role.Position, &role.Color, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &role, nil
}
