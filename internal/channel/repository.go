package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

const selectColumns = `id, guild_id, name, topic, position, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO channels (id, guild_id, name, topic, position)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		params.ID, params.GuildID, params.Name, params.Topic, params.Position,
	)
	ch, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM channels WHERE id = $1`, id,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

func (r *PGRepository) ListGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM channels WHERE guild_id = $1 ORDER BY position, id`,
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guild channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.GuildID, &ch.Name, &ch.Topic, &ch.Position,
			&ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE channels
		 SET name = COALESCE($2, name),
		     topic = COALESCE($3, topic),
		     position = COALESCE($4, position),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+selectColumns,
		id, params.Name, params.Topic, params.Position,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(&ch.ID, &ch.GuildID, &ch.Name, &ch.Topic, &ch.Position,
		&ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *PGRepository) SetOverwrite(ctx context.Context, channelID snowflake.ID, ow Overwrite) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO channel_overwrites (channel_id, target_id, target_type, allow, deny)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (channel_id, target_id)
		 DO UPDATE SET target_type = $3, allow = $4, deny = $5`,
		channelID, ow.TargetID, string(ow.TargetType), ow.Allow, ow.Deny,
	)
	if err != nil {
		return fmt.Errorf("upsert overwrite: %w", err)
	}
	return nil
}

func (r *PGRepository) DeleteOverwrite(ctx context.Context, channelID, targetID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM channel_overwrites WHERE channel_id = $1 AND target_id = $2`,
		channelID, targetID,
	)
	if err != nil {
		return fmt.Errorf("delete overwrite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListOverwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error) {
	rows, err := r.db.Query(ctx,
		`SELECT target_id, target_type, allow, deny
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
		if err := rows.Scan(&ow.TargetID, &targetType, &ow.Allow, &ow.Deny); err != nil {
			return nil, fmt.Errorf("scan overwrite: %w", err)
		}
		ow.TargetType = permission.TargetType(targetType)
		overwrites = append(overwrites, ow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overwrites: %w", err)
	}
	return overwrites, nil
}
