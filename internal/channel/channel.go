// Package channel holds the text channels of a guild and their permission
// overwrites.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the channel package.
var (
	ErrNotFound        = errors.New("channel not found")
	ErrNameLength      = errors.New("channel name must be between 1 and 100 characters")
	ErrTopicLength     = errors.New("channel topic must be 1024 characters or fewer")
	ErrInvalidPosition = errors.New("position must be non-negative")
)

// Channel holds the fields read from the database.
type Channel struct {
	ID        snowflake.ID `json:"id"`
	GuildID   snowflake.ID `json:"guild_id"`
	Name      string       `json:"name"`
	Topic     string       `json:"topic,omitempty"`
	Position  int          `json:"position"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"-"`
}

// Overwrite is the wire shape of a channel permission overwrite.
type Overwrite struct {
	TargetID   snowflake.ID          `json:"target_id"`
	TargetType permission.TargetType `json:"target_type"`
	Allow      permission.Permission `json:"allow"`
	Deny       permission.Permission `json:"deny"`
}

// CreateParams groups the inputs for creating a channel.
type CreateParams struct {
	ID       snowflake.ID
	GuildID  snowflake.ID
	Name     string
	Topic    string
	Position int
}

// UpdateParams groups the optional fields for updating a channel. Nil means
// "no change".
type UpdateParams struct {
	Name     *string
	Topic    *string
	Position *int
}

// ValidateName checks that a name is between 1 and 100 characters (runes)
// after trimming, returning the trimmed result.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateTopic checks that a non-nil topic is 1024 characters (runes) or
// fewer. A nil pointer means "no change".
func ValidateTopic(topic *string) error {
	if topic == nil {
		return nil
	}
	if utf8.RuneCountInString(*topic) > 1024 {
		return ErrTopicLength
	}
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative.
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Channel, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Channel, error)
	ListGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error)
	Delete(ctx context.Context, id snowflake.ID) error

	// SetOverwrite inserts or replaces the overwrite for one target.
	SetOverwrite(ctx context.Context, channelID snowflake.ID, ow Overwrite) error
	DeleteOverwrite(ctx context.Context, channelID, targetID snowflake.ID) error
	ListOverwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error)
}
