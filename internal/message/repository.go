package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

const selectColumns = `m.id, m.channel_id, m.author_id, m.content, m.edited_at, m.created_at,
u.username, u.display_name`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`WITH inserted AS (
		     INSERT INTO messages (id, channel_id, author_id, content)
		     VALUES ($1, $2, $3, $4)
		     RETURNING *
		 )
		 SELECT m.id, m.channel_id, m.author_id, m.content, m.edited_at, m.created_at,
		        u.username, u.display_name
		 FROM inserted m
		 JOIN users u ON u.id = m.author_id`,
		params.ID, params.ChannelID, params.AuthorID, params.Content,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`
		 FROM messages m
		 JOIN users u ON u.id = m.author_id
		 WHERE m.id = $1`,
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// List pages newest-first. Message ids are time-ordered, so the before cursor
// is a plain id comparison served by the (channel_id, id DESC) index.
func (r *PGRepository) List(ctx context.Context, channelID snowflake.ID, before snowflake.ID, limit int) ([]Message, error) {
	query := `SELECT ` + selectColumns + `
	 FROM messages m
	 JOIN users u ON u.id = m.author_id
	 WHERE m.channel_id = $1`
	args := []any{channelID}

	if !before.IsZero() {
		query += ` AND m.id < $2`
		args = append(args, before)
	}
	query += fmt.Sprintf(` ORDER BY m.id DESC LIMIT $%d`, len(args)+1)
	args = append(args, ClampLimit(limit))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.EditedAt,
			&m.CreatedAt, &m.AuthorUsername, &m.AuthorDisplayName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, content string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`WITH updated AS (
		     UPDATE messages SET content = $2, edited_at = now()
		     WHERE id = $1
		     RETURNING *
		 )
		 SELECT m.id, m.channel_id, m.author_id, m.content, m.edited_at, m.created_at,
		        u.username, u.display_name
		 FROM updated m
		 JOIN users u ON u.id = m.author_id`,
		id, content,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.EditedAt,
		&m.CreatedAt, &m.AuthorUsername, &m.AuthorDisplayName)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
