// Package invite holds guild invite codes and their redemption rules.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the invite package.
var (
	ErrNotFound = errors.New("invite not found")
	ErrExpired  = errors.New("invite has expired")
	ErrMaxUses  = errors.New("invite has reached its maximum uses")
)

// CodeLength is the length of generated invite codes.
const CodeLength = 8

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Invite holds the fields read from the database.
type Invite struct {
	Code      string       `json:"code"`
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	InviterID snowflake.ID `json:"inviter_id"`
	MaxUses   int          `json:"max_uses"`
	Uses      int          `json:"uses"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// CreateParams groups the inputs for creating an invite. Zero MaxUses means
// unlimited; nil ExpiresAt means never.
type CreateParams struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	InviterID snowflake.ID
	MaxUses   int
	ExpiresAt *time.Time
}

// NewCode generates a random invite code.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// Repository defines the data-access contract for invite operations.
type Repository interface {
	Create(ctx context.Context, code string, params CreateParams) (*Invite, error)
	GetByCode(ctx context.Context, code string) (*Invite, error)
	ListGuild(ctx context.Context, guildID snowflake.ID) ([]Invite, error)
	// Use atomically increments the use counter, failing with ErrExpired or
	// ErrMaxUses when the invite is no longer redeemable.
	Use(ctx context.Context, code string) (*Invite, error)
	Delete(ctx context.Context, code string) error
}
