package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// revokedRetention is how long revoked rows are kept before CleanupExpired
// removes them, for audit trails of recent logouts.
const revokedRetention = 7 * 24 * time.Hour

const selectColumns = `id, user_id, refresh_token_hash, device_info, device_type, ip,
created_at, last_used_at, expires_at, revoked_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed session repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new session row. The refresh_token_hash column carries a
// unique constraint, so at most one session exists per hash.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Session, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, refresh_token_hash, device_info, device_type, ip, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+selectColumns,
		uuid.New(), params.UserID, params.RefreshTokenHash, params.DeviceInfo,
		string(params.DeviceType), params.IP, params.ExpiresAt,
	)
	s, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// FindByHash looks up a session by refresh token hash and bumps last_used_at.
func (r *PGRepository) FindByHash(ctx context.Context, hash string) (*Session, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE sessions SET last_used_at = now()
		 WHERE refresh_token_hash = $1
		 RETURNING `+selectColumns, hash,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session by hash: %w", err)
	}
	return s, nil
}

// UpdateHash rotates the refresh token hash and expiry on a single row. The
// WHERE clause guards against revoked rows so a revoked session can never be
// rotated back to life, and pins the old hash so two rotations of the same
// token cannot both succeed.
func (r *PGRepository) UpdateHash(ctx context.Context, id uuid.UUID, oldHash, newHash string, newExpiry time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET refresh_token_hash = $3, expires_at = $4, last_used_at = now()
		 WHERE id = $1 AND refresh_token_hash = $2 AND revoked_at IS NULL`,
		id, oldHash, newHash, newExpiry,
	)
	if err != nil {
		return fmt.Errorf("rotate session hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke marks the session revoked. Revoking an already-revoked session is a
// no-op that preserves the original revocation time.
func (r *PGRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeUser revokes every active session of a user, optionally sparing one.
func (r *PGRepository) RevokeUser(ctx context.Context, userID snowflake.ID, except uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET revoked_at = now()
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now() AND id <> $2`,
		userID, except,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupExpired deletes sessions past expiry or revoked beyond the retention
// window.
func (r *PGRepository) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM sessions
		 WHERE expires_at < now() OR revoked_at < now() - $1::interval`,
		revokedRetention,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountActive returns the number of active sessions for a user.
func (r *PGRepository) CountActive(ctx context.Context, userID snowflake.ID) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s          Session
		deviceType string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.DeviceInfo, &deviceType,
		&s.IP, &s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt, &s.RevokedAt)
	if err != nil {
		return nil, err
	}
	s.DeviceType = DeviceType(deviceType)
	return &s, nil
}

// Sweeper periodically deletes expired and long-revoked session rows.
type Sweeper struct {
	repo     Repository
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a cleanup job running at the given interval.
func NewSweeper(repo Repository, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{repo: repo, interval: interval, log: logger.With().Str("component", "session-sweeper").Logger()}
}

// Run blocks, sweeping on each tick until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := w.repo.CleanupExpired(ctx)
			if err != nil {
				w.log.Warn().Err(err).Msg("Session cleanup failed")
				continue
			}
			if n > 0 {
				w.log.Debug().Int64("removed", n).Msg("Expired sessions removed")
			}
		}
	}
}
