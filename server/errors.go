package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// OAuth 2.0 error codes (RFC 6749 section 4.1.2.1 and 5.2, RFC 6750 section 3.1).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
)

// Sentinel errors of the engine's services. Flow methods wrap them in *Error,
// which unwraps to the sentinel, so callers can match with errors.Is at any level.
var (
	// Client registry
	ErrDuplicateClient          = errors.New("client already registered")
	ErrClientNotFound           = errors.New("client not found")
	ErrInvalidClientConfig      = errors.New("invalid client configuration")
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// Authorization codes
	ErrCodeInvalid      = errors.New("authorization code invalid")
	ErrCodeExpired      = errors.New("authorization code expired")
	ErrCodeAlreadyUsed  = errors.New("authorization code already used")
	ErrRedirectMismatch = errors.New("redirect URI mismatch")
	ErrPKCEMismatch     = errors.New("PKCE verification failed")

	// Access and refresh tokens
	ErrTokenReused      = errors.New("refresh token reused")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenRevoked     = errors.New("token revoked")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrTokenMalformed   = errors.New("token malformed")
	ErrInvalidTTL       = errors.New("token TTL is negative or exceeds the max token lifetime")

	// Scopes
	ErrScopeNotAllowed = errors.New("scope not allowed")
)

// Error is an OAuth error produced by a flow. Errors detected before the
// client and its redirect URI are trusted have an empty RedirectURI and must
// be shown to the user agent instead of redirected.
type Error struct {
	// Code is the OAuth error code
	Code string

	// Description is safe to return to the client
	Description string

	// RedirectURI is the validated redirect URI the error may be sent to
	RedirectURI string

	// ClientState is echoed as the state parameter on redirect
	ClientState string

	// State is the terminal flow state (DENIED or EXPIRED) when the error ends
	// an authorization flow, empty otherwise
	State FlowState

	// Cause is the internal error. It is logged, never rendered.
	Cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the internal cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Redirectable reports whether the error may be sent to the client's redirect URI
func (e *Error) Redirectable() bool {
	return e.RedirectURI != ""
}

// RedirectLocation returns the redirect URI with error, error_description and
// state appended (RFC 6749 section 4.1.2.1). It returns "" when the error is
// not redirectable.
func (e *Error) RedirectLocation() string {
	if !e.Redirectable() {
		return ""
	}
	params := url.Values{"error": {e.Code}}
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.ClientState != "" {
		params.Set("state", e.ClientState)
	}
	return appendQuery(e.RedirectURI, params)
}

// HTTPStatus returns the status code for rendering the error directly
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied, ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// AsError converts any error into an *Error. Errors that are not already an
// *Error become server_error without detail.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return &Error{Code: ErrorCodeServerError, Description: "internal server error", Cause: err}
}

func newError(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

// redirectTo marks e as redirectable to redirectURI with the client's state
func (e *Error) redirectTo(redirectURI, clientState string) *Error {
	e.RedirectURI = redirectURI
	e.ClientState = clientState
	return e
}

// appendQuery adds params to uri, keeping any query it already has
func appendQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
