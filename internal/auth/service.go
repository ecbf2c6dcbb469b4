package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/config"
	"github.com/parley-chat/parley-server/internal/session"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/token"
	"github.com/parley-chat/parley-server/internal/user"
)

// Service implements authentication business logic, keeping HTTP handlers
// thin and focused on request parsing and response formatting.
type Service struct {
	users    user.Repository
	sessions session.Repository
	tokens   *token.Service
	node     *snowflake.Node
	config   *config.Config
	log      zerolog.Logger
	// dummyHash keeps login timing constant when a user is not found,
	// preventing email enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new authentication service.
func NewService(
	users user.Repository,
	sessions session.Repository,
	tokens *token.Service,
	node *snowflake.Node,
	cfg *config.Config,
	logger zerolog.Logger,
) *Service {
	// Precompute a real argon2id hash so VerifyPassword always runs against
	// one even when the user does not exist.
	dummy, err := HashPassword("parley-dummy-password", cfg.Argon2Memory, cfg.Argon2Iterations,
		cfg.Argon2Parallelism, cfg.Argon2SaltLength, cfg.Argon2KeyLength)
	if err != nil {
		dummy = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0$placeholder"
	}
	return &Service{
		users:     users,
		sessions:  sessions,
		tokens:    tokens,
		node:      node,
		config:    cfg,
		log:       logger.With().Str("component", "auth").Logger(),
		dummyHash: dummy,
	}
}

// RegisterRequest is the input for Service.Register.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

// LoginRequest is the input for Service.Login.
type LoginRequest struct {
	Email    string
	Password string
}

// DeviceParams describes the client establishing a session.
type DeviceParams struct {
	UserAgent string
	IP        string
}

// AuthResult is the output for Register and Login.
type AuthResult struct {
	User   user.User
	Tokens token.Pair
}

// Register validates inputs, creates the user, and opens a first session.
func (s *Service) Register(ctx context.Context, req RegisterRequest, device DeviceParams) (*AuthResult, error) {
	username := user.NormalizeUsername(req.Username)
	if err := user.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := user.ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(req.Password, s.config.Argon2Memory, s.config.Argon2Iterations,
		s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.users.Create(ctx, user.CreateParams{
		ID:           s.node.Next(),
		Username:     username,
		Email:        req.Email,
		PasswordHash: hash,
	})
	if err != nil {
		switch {
		case errors.Is(err, user.ErrEmailTaken):
			return nil, ErrEmailAlreadyTaken
		case errors.Is(err, user.ErrUsernameTaken):
			return nil, ErrUsernameAlreadyTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	pair, err := s.openSession(ctx, u.ID, device)
	if err != nil {
		return nil, err
	}

	s.log.Debug().Stringer("user_id", u.ID).Msg("User registered")
	return &AuthResult{User: *u, Tokens: *pair}, nil
}

// Login verifies credentials and opens a session. A missing user and a wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest, device DeviceParams) (*AuthResult, error) {
	creds, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Burn the same hashing cost as a real verification.
			_, _ = VerifyPassword(req.Password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("look up user: %w", err)
	}

	match, err := VerifyPassword(req.Password, creds.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	// Upgrade the stored hash when parameters changed since it was written.
	if NeedsRehash(creds.PasswordHash, s.config.Argon2Memory, s.config.Argon2Iterations,
		s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength) {
		if newHash, err := HashPassword(req.Password, s.config.Argon2Memory, s.config.Argon2Iterations,
			s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength); err == nil {
			if err := s.users.UpdatePasswordHash(ctx, creds.ID, newHash); err != nil {
				s.log.Warn().Err(err).Stringer("user_id", creds.ID).Msg("Password rehash failed")
			}
		}
	}

	pair, err := s.openSession(ctx, creds.ID, device)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: creds.User, Tokens: *pair}, nil
}

// Refresh rotates a refresh token: the presented token is consumed and a new
// pair is issued on the same session row. A replayed token is reported as not
// found, indistinguishable from one that never existed.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	sess, err := s.sessions.FindByHash(ctx, token.HashRefresh(refreshToken))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("look up session: %w", err)
	}
	if !sess.Active(time.Now()) {
		return nil, ErrRefreshTokenNotFound
	}

	pair, err := s.tokens.Issue(sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	newExpiry := time.Now().Add(s.tokens.RefreshTTL())
	if err := s.sessions.UpdateHash(ctx, sess.ID, sess.RefreshTokenHash, token.HashRefresh(pair.RefreshToken), newExpiry); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}

	return &pair, nil
}

// Logout revokes the session behind the presented refresh token. Unknown
// tokens succeed silently.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sess, err := s.sessions.FindByHash(ctx, token.HashRefresh(refreshToken))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("look up session: %w", err)
	}
	if err := s.sessions.Revoke(ctx, sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// LogoutAll revokes every active session of the user and returns how many
// were revoked.
func (s *Service) LogoutAll(ctx context.Context, userID snowflake.ID) (int64, error) {
	n, err := s.sessions.RevokeUser(ctx, userID, uuid.Nil)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return n, nil
}

func (s *Service) openSession(ctx context.Context, userID snowflake.ID, device DeviceParams) (*token.Pair, error) {
	pair, err := s.tokens.Issue(userID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	_, err = s.sessions.Create(ctx, session.CreateParams{
		UserID:           userID,
		RefreshTokenHash: token.HashRefresh(pair.RefreshToken),
		DeviceInfo:       device.UserAgent,
		DeviceType:       session.DeviceTypeFromUserAgent(device.UserAgent),
		IP:               device.IP,
		ExpiresAt:        time.Now().Add(s.tokens.RefreshTTL()),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &pair, nil
}
