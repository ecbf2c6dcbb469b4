// Package token issues and verifies the two credential kinds of the identity
// subsystem: short-lived signed access tokens and opaque refresh tokens.
// Refresh tokens are never stored verbatim; only their SHA-256 hash is handed
// to the session store.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// Sentinel errors for access token verification. Any failure that is not an
// expiry (bad signature, wrong algorithm, garbled payload) maps to
// ErrMalformed so the caller cannot distinguish forgery classes.
var (
	ErrExpired   = errors.New("access token expired")
	ErrMalformed = errors.New("access token malformed")
)

// Claims holds the JWT claims carried by an access token.
type Claims struct {
	jwt.RegisteredClaims
}

// Pair is the result of issuing credentials for a user.
type Pair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds, for the client.
	ExpiresIn int64
}

// Service issues and verifies tokens with a shared HMAC secret.
type Service struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService creates a token service. The secret must be at least 32 bytes.
func NewService(secret, issuer string, accessTTL, refreshTTL time.Duration) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes, got %d", len(secret))
	}
	if issuer == "" {
		return nil, fmt.Errorf("token issuer must not be empty")
	}
	return &Service{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// RefreshTTL returns the configured refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue creates a signed access token and a fresh opaque refresh token for
// the given user.
func (s *Service) Issue(userID snowflake.ID) (Pair, error) {
	access, err := s.signAccess(userID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:  access,
		RefreshToken: NewRefreshToken(),
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) signAccess(userID snowflake.ID) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccess parses and validates an access token, enforcing the HMAC
// signing method and issuer claim, and returns the subject user ID. Expired
// tokens return ErrExpired; every other failure returns ErrMalformed.
func (s *Service) VerifyAccess(tokenStr string) (snowflake.ID, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpired
		}
		return 0, ErrMalformed
	}

	userID, err := snowflake.Parse(claims.Subject)
	if err != nil {
		return 0, ErrMalformed
	}
	return userID, nil
}

// NewRefreshToken returns a fresh opaque refresh token: two random UUIDs
// joined by a dot, giving more than 256 bits of entropy.
func NewRefreshToken() string {
	return uuid.New().String() + "." + uuid.New().String()
}

// HashRefresh returns the hex-encoded SHA-256 digest of a raw refresh token.
// This is the only form the server persists.
func HashRefresh(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
