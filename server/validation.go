package server

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authserver/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// OIDC scopes with built-in meaning
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// DangerousSchemes lists URI schemes that must never be registered as redirect URIs
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateCodeChallenge checks the PKCE parameters of an authorization request.
// A challenge is mandatory for clients that require PKCE and for public clients.
func (c *Config) validateCodeChallenge(client *storage.Client, challenge, method string) error {
	if challenge == "" {
		if method != "" {
			return fmt.Errorf("code_challenge_method without code_challenge")
		}
		if client.RequirePKCE || client.IsPublic() {
			return fmt.Errorf("code_challenge is required for this client")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !c.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported)")
		}
	case "":
		// RFC 7636 section 4.3 defaults to plain, which is only acceptable when allowed
		if !c.AllowPKCEPlain {
			return fmt.Errorf("code_challenge_method is required")
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// The challenge has the same syntax as a verifier (RFC 7636 section 4.2)
	if !isValidVerifierSyntax(challenge) {
		return fmt.Errorf("code_challenge is malformed")
	}
	return nil
}

// verifyPKCE validates the code verifier against the challenge per RFC 7636
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// Presenting a verifier for a code issued without a challenge is a downgrade attempt
		if verifier != "" {
			return fmt.Errorf("%w: code_verifier sent for a code issued without code_challenge", ErrPKCEMismatch)
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("%w: code_verifier is required", ErrPKCEMismatch)
	}
	if !isValidVerifierSyntax(verifier) {
		return fmt.Errorf("%w: code_verifier is malformed", ErrPKCEMismatch)
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return fmt.Errorf("%w: unsupported code_challenge_method %q", ErrPKCEMismatch, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("%w: code_verifier does not match code_challenge", ErrPKCEMismatch)
	}
	return nil
}

// isValidVerifierSyntax checks length 43-128 and the [A-Za-z0-9-._~] alphabet
func isValidVerifierSyntax(v string) bool {
	if len(v) < MinCodeVerifierLength || len(v) > MaxCodeVerifierLength {
		return false
	}
	for _, ch := range v {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}

// validateRedirectURIForRegistration checks a redirect URI at registration:
// absolute, no fragment (RFC 6749 section 3.1.2), no dangerous scheme.
func validateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI %q: %w", redirectURI, err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect URI must be absolute: %q", redirectURI)
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect URI must not contain a fragment: %q", redirectURI)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect URI scheme %q is not allowed", scheme)
	}
	if (scheme == SchemeHTTP || scheme == SchemeHTTPS) && parsed.Host == "" {
		return fmt.Errorf("redirect URI must have a host: %q", redirectURI)
	}
	return nil
}

// resolveRedirectURI applies RFC 6749 section 3.1.2.3: an omitted redirect_uri
// is only acceptable when exactly one is registered. Matching is byte-exact.
func resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", fmt.Errorf("redirect_uri is required when more than one is registered")
	}
	if !client.HasRedirectURI(requested) {
		return "", fmt.Errorf("%w: redirect_uri is not registered for this client", ErrRedirectMismatch)
	}
	return requested, nil
}
