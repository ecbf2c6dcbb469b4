// Package member holds guild memberships and explicit role assignments.
package member

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the member package.
var (
	ErrNotFound       = errors.New("member not found")
	ErrAlreadyMember  = errors.New("user is already a member of the guild")
	ErrNicknameLength = errors.New("nickname must be 32 characters or fewer")
	ErrCannotLeaveOwn = errors.New("the guild owner cannot leave their own guild")
)

// Member holds one guild membership together with the user's public fields.
type Member struct {
	GuildID     snowflake.ID   `json:"guild_id"`
	UserID      snowflake.ID   `json:"user_id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name,omitempty"`
	Nickname    string         `json:"nickname,omitempty"`
	RoleIDs     []snowflake.ID `json:"role_ids"`
	JoinedAt    time.Time      `json:"joined_at"`
}

// ValidateNickname checks that a non-nil nickname is 32 characters (runes) or
// fewer after trimming. An empty trimmed value clears the nickname.
func ValidateNickname(nick *string) error {
	if nick == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*nick)
	if utf8.RuneCountInString(trimmed) > 32 {
		return ErrNicknameLength
	}
	*nick = trimmed
	return nil
}

// Repository defines the data-access contract for membership operations.
type Repository interface {
	Add(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	Get(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	List(ctx context.Context, guildID snowflake.ID, limit int, after snowflake.ID) ([]Member, error)
	Remove(ctx context.Context, guildID, userID snowflake.ID) error
	UpdateNickname(ctx context.Context, guildID, userID snowflake.ID, nickname string) (*Member, error)

	AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error

	// GuildIDs returns every guild the user belongs to, for gateway READY
	// and session-registry subscriptions.
	GuildIDs(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
	// UserIDs returns every member's user id, for fan-out to guild audiences.
	UserIDs(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error)
}
