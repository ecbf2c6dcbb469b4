package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

const selectColumns = `code, guild_id, channel_id, inviter_id, max_uses, uses, expires_at, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed invite repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, code string, params CreateParams) (*Invite, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO invites (code, guild_id, channel_id, inviter_id, max_uses, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+selectColumns,
		code, params.GuildID, params.ChannelID, params.InviterID, params.MaxUses, params.ExpiresAt,
	)
	inv, err := scanInvite(row)
	if err != nil {
		return nil, fmt.Errorf("insert invite: %w", err)
	}
	return inv, nil
}

func (r *PGRepository) GetByCode(ctx context.Context, code string) (*Invite, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM invites WHERE code = $1`, code,
	)
	inv, err := scanInvite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite: %w", err)
	}
	return inv, nil
}

func (r *PGRepository) ListGuild(ctx context.Context, guildID snowflake.ID) ([]Invite, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM invites WHERE guild_id = $1 ORDER BY created_at DESC`,
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guild invites: %w", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		var inv Invite
		if err := rows.Scan(&inv.Code, &inv.GuildID, &inv.ChannelID, &inv.InviterID,
			&inv.MaxUses, &inv.Uses, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return invites, nil
}

// Use increments the counter only while the invite is still redeemable; the
// guarded UPDATE makes concurrent redemptions safe without a transaction.
func (r *PGRepository) Use(ctx context.Context, code string) (*Invite, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE invites SET uses = uses + 1
		 WHERE code = $1
		   AND (max_uses = 0 OR uses < max_uses)
		   AND (expires_at IS NULL OR expires_at > now())
		 RETURNING `+selectColumns,
		code,
	)
	inv, err := scanInvite(row)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("use invite: %w", err)
	}

	// Distinguish why the guarded update matched nothing.
	existing, getErr := r.GetByCode(ctx, code)
	if getErr != nil {
		return nil, getErr
	}
	if existing.ExpiresAt != nil && !existing.ExpiresAt.After(time.Now()) {
		return nil, ErrExpired
	}
	return nil, ErrMaxUses
}

func (r *PGRepository) Delete(ctx context.Context, code string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM invites WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	err := row.Scan(&inv.Code, &inv.GuildID, &inv.ChannelID, &inv.InviterID,
		&inv.MaxUses, &inv.Uses, &inv.ExpiresAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
