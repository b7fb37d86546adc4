package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a token response is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is replayed
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventConsentGranted is logged when an end user approves a consent request
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when an end user denies a consent request
	EventConsentDenied = "consent_denied"

	// Client events

	// EventClientRegistered is logged when a client is added to the registry
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when client or token authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// Key management events

	// EventSigningKeyRotated is logged when a new signing key becomes active
	EventSigningKeyRotated = "signing_key_rotated"
)
