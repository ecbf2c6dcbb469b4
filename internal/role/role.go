// Package role holds the guild roles that feed the permission engine.
package role

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the role package.
var (
	ErrNotFound       = errors.New("role not found")
	ErrNameLength     = errors.New("role name must be between 1 and 100 characters")
	ErrEveryoneLocked = errors.New("the @everyone role cannot be deleted or repositioned")
	ErrColorRange     = errors.New("role color must be between 0 and 16777215")
)

// Role holds the fields read from the database. The @everyone role of a
// guild shares the guild's id and always sits at position 0.
type Role struct {
	ID          snowflake.ID          `json:"id"`
	GuildID     snowflake.ID          `json:"guild_id"`
	Name        string                `json:"name"`
	Permissions permission.Permission `json:"permissions"`
	Position    int                   `json:"position"`
	Color       int                   `json:"color"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"-"`
}

// IsEveryone reports whether this is the guild's @everyone role.
func (r *Role) IsEveryone() bool {
	return r.ID == r.GuildID
}

// CreateParams groups the inputs for creating a role.
type CreateParams struct {
	ID          snowflake.ID
	GuildID     snowflake.ID
	Name        string
	Permissions permission.Permission
	Position    int
	Color       int
}

// UpdateParams groups the optional fields for updating a role. Nil means
// "no change".
type UpdateParams struct {
	Name        *string
	Permissions *permission.Permission
	Position    *int
	Color       *int
}

// ValidateName checks that the name is between 1 and 100 characters (runes)
// after trimming, returning the trimmed result.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateColor checks that a non-nil color is within the 24-bit RGB range.
func ValidateColor(color *int) error {
	if color == nil {
		return nil
	}
	if *color < 0 || *color > 0xFFFFFF {
		return ErrColorRange
	}
	return nil
}

// Repository defines the data-access contract for role operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Role, error)
	GetByID(ctx context.Context, guildID, id snowflake.ID) (*Role, error)
	ListGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error)
	Update(ctx context.Context, guildID, id snowflake.ID, params UpdateParams) (*Role, error)
	// Delete removes a role. Deleting the @everyone role returns
	// ErrEveryoneLocked.
	Delete(ctx context.Context, guildID, id snowflake.ID) error
}
