package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/postgres"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

const selectColumns = `id, username, email, display_name, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO users (id, username, email, password_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+selectColumns,
		params.ID, params.Username, params.Email, params.PasswordHash,
	)
	u, err := scanUser(row)
	if err != nil {
		// The constraint name tells apart which column collided:
		// users_email_lower_idx versus users_username_lower_idx.
		switch constraint := postgres.UniqueConstraint(err); {
		case strings.Contains(constraint, "email"):
			return nil, ErrEmailTaken
		case constraint != "":
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM users WHERE id = $1`, id,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Credentials, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`, password_hash FROM users WHERE lower(email) = lower($1)`, email,
	)
	return scanCredentials(row)
}

func (r *PGRepository) GetCredentialsByID(ctx context.Context, id snowflake.ID) (*Credentials, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`, password_hash FROM users WHERE id = $1`, id,
	)
	return scanCredentials(row)
}

func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*User, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE users
		 SET display_name = COALESCE($2, display_name), updated_at = now()
		 WHERE id = $1
		 RETURNING `+selectColumns,
		id, params.DisplayName,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id snowflake.ID, hash string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash,
	)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanCredentials(row pgx.Row) (*Credentials, error) {
	var c Credentials
	err := row.Scan(&c.ID, &c.Username, &c.Email, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt, &c.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	return &c, nil
}
