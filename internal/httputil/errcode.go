package httputil

// Code is a machine-readable API error code, stable across releases.
type Code string

// API error codes.
const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeInvalidBody        Code = "INVALID_BODY"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeMissingPermissions Code = "MISSING_PERMISSIONS"
	CodeUnknownUser        Code = "UNKNOWN_USER"
	CodeUnknownGuild       Code = "UNKNOWN_GUILD"
	CodeUnknownChannel     Code = "UNKNOWN_CHANNEL"
	CodeUnknownMessage     Code = "UNKNOWN_MESSAGE"
	CodeUnknownMember      Code = "UNKNOWN_MEMBER"
	CodeUnknownRole        Code = "UNKNOWN_ROLE"
	CodeUnknownInvite      Code = "UNKNOWN_INVITE"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeInviteUnusable     Code = "INVITE_UNUSABLE"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternalError      Code = "INTERNAL_ERROR"
)
