// Package api contains the Fiber HTTP handlers: thin request parsing and
// response formatting over the domain services, with per-handler error
// mapping to the shared envelope.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/token"
	"github.com/parley-chat/parley-server/internal/user"
)

// AuthHandler serves authentication endpoints.
type AuthHandler struct {
	auth *auth.Service
	log  zerolog.Logger
}

// NewAuthHandler creates a new authentication handler.
func NewAuthHandler(svc *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, log: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	User         user.User `json:"user"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func toAuthResponse(result *auth.AuthResult) authResponse {
	return authResponse{
		User:         result.User,
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresIn:    result.Tokens.ExpiresIn,
	}
}

func (h *AuthHandler) device(c fiber.Ctx) auth.DeviceParams {
	return auth.DeviceParams{
		UserAgent: c.Get("User-Agent"),
		IP:        c.IP(),
	}
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	result, err := h.auth.Register(c, auth.RegisterRequest{
		Email:    body.Email,
		Username: body.Username,
		Password: body.Password,
	}, h.device(c))
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toAuthResponse(result))
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	result, err := h.auth.Login(c, auth.LoginRequest{
		Email:    body.Email,
		Password: body.Password,
	}, h.device(c))
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, toAuthResponse(result))
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "refresh_token is required")
	}

	pair, err := h.auth.Refresh(c, body.RefreshToken)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

// Logout handles POST /api/v1/auth/logout. Revokes the session behind the
// presented refresh token; unknown tokens succeed silently.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "refresh_token is required")
	}

	if err := h.auth.Logout(c, body.RefreshToken); err != nil {
		return h.mapAuthError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LogoutAll handles POST /api/v1/auth/logout-all. Requires authentication.
func (h *AuthHandler) LogoutAll(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID.IsZero() {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}

	n, err := h.auth.LogoutAll(c, userID)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"revoked": n})
}

// mapAuthError converts auth-layer errors to HTTP responses.
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrUsernameInvalid),
		errors.Is(err, user.ErrEmailInvalid),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, auth.ErrEmailAlreadyTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeAlreadyExists, "Email is already registered")
	case errors.Is(err, auth.ErrUsernameAlreadyTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeAlreadyExists, "Username is already taken")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeInvalidCredentials, err.Error())
	case errors.Is(err, auth.ErrRefreshTokenNotFound), errors.Is(err, token.ErrExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid or expired refresh token")
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "An internal error occurred")
	}
}
