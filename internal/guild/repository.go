package guild

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/postgres"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

const selectColumns = `id, name, owner_id, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed guild repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Guild, error) {
	var g *Guild
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO guilds (id, name, owner_id)
			 VALUES ($1, $2, $3)
			 RETURNING `+selectColumns,
			params.ID, params.Name, params.OwnerID,
		)
		var err error
		if g, err = scanGuild(row); err != nil {
			return fmt.Errorf("insert guild: %w", err)
		}

		// The @everyone role shares the guild id.
		if _, err := tx.Exec(ctx,
			`INSERT INTO roles (id, guild_id, name, permissions, position)
			 VALUES ($1, $1, '@everyone', $2, 0)`,
			params.ID, EveryonePermissions,
		); err != nil {
			return fmt.Errorf("insert everyone role: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO members (guild_id, user_id) VALUES ($1, $2)`,
			params.ID, params.OwnerID,
		); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO channels (id, guild_id, name, position)
			 VALUES ($1, $2, $3, 0)`,
			params.DefaultChannelID, params.ID, DefaultChannelName,
		); err != nil {
			return fmt.Errorf("insert default channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Guild, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM guilds WHERE id = $1`, id,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild: %w", err)
	}
	return g, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, userID snowflake.ID) ([]Guild, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.id, g.name, g.owner_id, g.created_at, g.updated_at
		 FROM guilds g
		 JOIN members m ON m.guild_id = g.id
		 WHERE m.user_id = $1
		 ORDER BY g.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []Guild
	for rows.Next() {
		var g Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		guilds = append(guilds, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guilds: %w", err)
	}
	return guilds, nil
}

func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Guild, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE guilds
		 SET name = COALESCE($2, name), owner_id = COALESCE($3, owner_id), updated_at = now()
		 WHERE id = $1
		 RETURNING `+selectColumns,
		id, params.Name, params.OwnerID,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update guild: %w", err)
	}
	return g, nil
}

func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete guild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanGuild(row pgx.Row) (*Guild, error) {
	var g Guild
	err := row.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
