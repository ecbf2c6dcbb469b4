// Package user holds the identity records behind authentication and guild
// membership.
package user

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the user package.
var (
	ErrNotFound          = errors.New("user not found")
	ErrEmailTaken        = errors.New("email already taken")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrUsernameInvalid   = errors.New("username must be 2-32 characters of lowercase letters, digits, underscore or period")
	ErrEmailInvalid      = errors.New("invalid email address")
	ErrDisplayNameLength = errors.New("display name must be between 1 and 32 characters")
)

// User holds the core identity fields read from the database. The password
// hash is deliberately absent; only Credentials carries it.
type User struct {
	ID          snowflake.ID `json:"id"`
	Username    string       `json:"username"`
	Email       string       `json:"email,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"-"`
}

// Public strips the fields other users must not see.
func (u *User) Public() User {
	pub := *u
	pub.Email = ""
	return pub
}

// Credentials extends User with the password hash. Only repository methods
// serving the authentication path return this type.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	ID           snowflake.ID
	Username     string
	Email        string
	PasswordHash string
}

// UpdateParams groups the optional fields for updating a user profile. Nil
// means "no change".
type UpdateParams struct {
	DisplayName *string
}

// NormalizeUsername lowercases and trims the username.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateUsername checks the normalized username against the allowed
// alphabet and length.
func ValidateUsername(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 32 {
		return ErrUsernameInvalid
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.':
		default:
			return ErrUsernameInvalid
		}
	}
	return nil
}

// ValidateEmail checks the address parses as a single RFC 5322 mailbox.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrEmailInvalid
	}
	return nil
}

// ValidateDisplayName checks that a non-nil display name is between 1 and 32
// Unicode characters after trimming. On success the pointed-to value holds
// the trimmed result.
func ValidateDisplayName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 32 {
		return ErrDisplayNameLength
	}
	*name = trimmed
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id snowflake.ID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
	GetCredentialsByID(ctx context.Context, id snowflake.ID) (*Credentials, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*User, error)
	UpdatePasswordHash(ctx context.Context, id snowflake.ID, hash string) error
}
