// Package session persists refresh-token sessions. Each row authorises
// rotation of one refresh token; the raw token never reaches storage, only
// its SHA-256 hash.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for the session package.
var (
	// ErrNotFound is returned when no session matches the presented hash or
	// id. A replayed, already-rotated refresh token also lands here: after a
	// rotation the old hash matches no row, which makes replay
	// indistinguishable from an unknown token.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when the matched session is revoked or past its
	// expiry.
	ErrExpired = errors.New("session expired or revoked")
)

// DeviceType buckets the client device recorded on a session.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceBrowser DeviceType = "browser"
	DeviceBot     DeviceType = "bot"
	DeviceUnknown DeviceType = "unknown"
)

// DeviceTypeFromUserAgent buckets a User-Agent header into a DeviceType.
func DeviceTypeFromUserAgent(ua string) DeviceType {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return DeviceUnknown
	case strings.Contains(ua, "bot"):
		return DeviceBot
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		return DeviceTablet
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return DeviceMobile
	case strings.Contains(ua, "electron"):
		return DeviceDesktop
	case strings.Contains(ua, "mozilla"):
		return DeviceBrowser
	default:
		return DeviceUnknown
	}
}

// Session is a persistent refresh-token session record.
type Session struct {
	ID               uuid.UUID
	UserID           snowflake.ID
	RefreshTokenHash string
	DeviceInfo       string
	DeviceType       DeviceType
	IP               string
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
}

// Active reports whether the session may still be rotated at the given
// instant: not revoked and not past expiry.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// CreateParams are the inputs for Repository.Create.
type CreateParams struct {
	UserID           snowflake.ID
	RefreshTokenHash string
	DeviceInfo       string
	DeviceType       DeviceType
	IP               string
	ExpiresAt        time.Time
}

// Repository is the persistence contract for refresh-token sessions.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Session, error)
	FindByHash(ctx context.Context, hash string) (*Session, error)
	// UpdateHash atomically rotates the session's refresh token hash and
	// expiry, keeping the row's id and user untouched. The rotation only
	// succeeds while the row still holds oldHash, so concurrent rotations of
	// the same token cannot both win.
	UpdateHash(ctx context.Context, id uuid.UUID, oldHash, newHash string, newExpiry time.Time) error
	Revoke(ctx context.Context, id uuid.UUID) error
	// RevokeUser revokes every active session of the user except the one
	// named by except (pass uuid.Nil to revoke all). Returns the number of
	// sessions revoked.
	RevokeUser(ctx context.Context, userID snowflake.ID, except uuid.UUID) (int64, error)
	// CleanupExpired deletes rows past expiry, or revoked more than the
	// retention period ago. Returns the number of rows removed.
	CleanupExpired(ctx context.Context) (int64, error)
	CountActive(ctx context.Context, userID snowflake.ID) (int64, error)
}
