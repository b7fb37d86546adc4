package authserver

// TokenResponse is a successful token endpoint response (RFC 6749 section 5.1,
// OpenID Connect Core section 3.1.3.3)
type TokenResponse struct {
	// AccessToken is the signed JWT access token
	AccessToken string `json:"access_token"`

	// TokenType is always Bearer
	TokenType string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is set when the client may refresh
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is set when the openid scope was granted in the authorization code flow
	IDToken string `json:"id_token,omitempty"`

	// Scope is the granted scope
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
