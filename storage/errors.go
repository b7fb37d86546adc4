package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers match them
// with errors.Is; implementations may wrap them with context.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")

	ErrAuthorizationRequestNotFound = errors.New("authorization request not found")
	ErrAuthorizationRequestExpired  = errors.New("authorization request expired")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenUsed     = errors.New("refresh token already used")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")

	ErrTokenExpired = errors.New("token expired")

	ErrConsentNotFound = errors.New("consent not found")
)
