// Package guild holds the guild records and the transactional bootstrap that
// gives every new guild its @everyone role, owner membership and default
// channel.
package guild

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the guild package.
var (
	ErrNotFound   = errors.New("guild not found")
	ErrNameLength = errors.New("guild name must be between 2 and 100 characters")
	ErrNotOwner   = errors.New("only the guild owner may do this")
)

// DefaultChannelName is the text channel every new guild starts with.
const DefaultChannelName = "general"

// EveryonePermissions is the baseline granted to the @everyone role of a new
// guild.
const EveryonePermissions = permission.ViewChannel |
	permission.SendMessages |
	permission.ReadMessageHistory |
	permission.AddReactions |
	permission.EmbedLinks |
	permission.AttachFiles |
	permission.MentionEveryone |
	permission.ChangeNickname |
	permission.CreateInstantInvite |
	permission.Connect |
	permission.Speak |
	permission.UseVAD

// Guild holds the fields read from the database.
type Guild struct {
	ID        snowflake.ID `json:"id"`
	Name      string       `json:"name"`
	OwnerID   snowflake.ID `json:"owner_id"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"-"`
}

// CreateParams groups the inputs for creating a guild. The @everyone role
// reuses ID, so only the default channel needs a second snowflake.
type CreateParams struct {
	ID               snowflake.ID
	Name             string
	OwnerID          snowflake.ID
	DefaultChannelID snowflake.ID
}

// UpdateParams groups the optional fields for updating a guild. Nil means
// "no change".
type UpdateParams struct {
	Name    *string
	OwnerID *snowflake.ID
}

// ValidateName checks that the name is between 2 and 100 characters (runes)
// after trimming, returning the trimmed result.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 2 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// Repository defines the data-access contract for guild operations.
type Repository interface {
	// Create inserts the guild together with its @everyone role, the owner's
	// membership row and a default text channel, all in one transaction.
	Create(ctx context.Context, params CreateParams) (*Guild, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Guild, error)
	ListForUser(ctx context.Context, userID snowflake.ID) ([]Guild, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Guild, error)
	Delete(ctx context.Context, id snowflake.ID) error
}
