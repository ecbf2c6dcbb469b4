// Package message holds channel messages and their history pagination.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrNotAuthor      = errors.New("you can only modify your own messages")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// sanitizer strips markup from message content before storage. Messages are
// plain text; rendering is the client's job.
var sanitizer = bluemonday.StrictPolicy()

// Message holds the fields read from the database, including joined author
// information.
type Message struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	AuthorID  snowflake.ID `json:"author_id"`
	Content   string       `json:"content"`
	EditedAt  *time.Time   `json:"edited_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`

	// Author fields joined from the users table.
	AuthorUsername    string `json:"author_username"`
	AuthorDisplayName string `json:"author_display_name,omitempty"`
}

// CreateParams groups the inputs for creating a new message.
type CreateParams struct {
	ID        snowflake.ID
	ChannelID snowflake.ID
	AuthorID  snowflake.ID
	Content   string
}

// ValidateContent sanitises markup, then checks that content is non-empty
// after trimming and does not exceed the given maximum rune count.
func ValidateContent(content string, maxLength int) (string, error) {
	cleaned := strings.TrimSpace(sanitizer.Sanitize(content))
	if cleaned == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(cleaned) > maxLength {
		return "", ErrContentTooLong
	}
	return cleaned, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to
// DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Message, error)
	// List returns up to limit messages of a channel, newest first. A
	// non-zero before id restricts results to older messages.
	List(ctx context.Context, channelID snowflake.ID, before snowflake.ID, limit int) ([]Message, error)
	Update(ctx context.Context, id snowflake.ID, content string) (*Message, error)
	Delete(ctx context.Context, id snowflake.ID) error
}
