package server

import (
	"context"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-authserver/storage"
)

// Endpoint paths relative to the issuer
const (
	AuthorizationPath       = "/authorize"
	ConsentPath             = "/authorize/consent"
	TokenPath               = "/token"
	JWKSPath                = "/jwks"
	UserInfoPath            = "/userinfo"
	IntrospectionPath       = "/introspect"
	RevocationPath          = "/revoke"
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
	OAuthServerMetadataPath = "/.well-known/oauth-authorization-server"
)

// Metadata is the discovery document served at both well-known locations
// (OpenID Connect Discovery 1.0 section 3, RFC 8414 section 2)
type Metadata struct {
	Issuer                                    string   `json:"issuer"`
	AuthorizationEndpoint                     string   `json:"authorization_endpoint"`
	TokenEndpoint                             string   `json:"token_endpoint"`
	JWKSURI                                   string   `json:"jwks_uri"`
	UserInfoEndpoint                          string   `json:"userinfo_endpoint"`
	IntrospectionEndpoint                     string   `json:"introspection_endpoint"`
	RevocationEndpoint                        string   `json:"revocation_endpoint"`
	ScopesSupported                           []string `json:"scopes_supported"`
	ResponseTypesSupported                    []string `json:"response_types_supported"`
	GrantTypesSupported                       []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported"`
	IntrospectionEndpointAuthMethodsSupported []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported    []string `json:"revocation_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported             []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported                     []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported          []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                           []string `json:"claims_supported"`
}

func buildMetadata(config *Config, signingAlgs []string) Metadata {
	authMethods := []string{
		storage.AuthMethodClientSecretBasic,
		storage.AuthMethodClientSecretPost,
		storage.AuthMethodNone,
	}
	pkceMethods := []string{PKCEMethodS256}
	if config.AllowPKCEPlain {
		pkceMethods = append(pkceMethods, PKCEMethodPlain)
	}

	return Metadata{
		Issuer:                                    config.Issuer,
		AuthorizationEndpoint:                     config.Issuer + AuthorizationPath,
		TokenEndpoint:                             config.Issuer + TokenPath,
		JWKSURI:                                   config.Issuer + JWKSPath,
		UserInfoEndpoint:                          config.Issuer + UserInfoPath,
		IntrospectionEndpoint:                     config.Issuer + IntrospectionPath,
		RevocationEndpoint:                        config.Issuer + RevocationPath,
		ScopesSupported:                           slices.Clone(config.SupportedScopes),
		ResponseTypesSupported:                    []string{ResponseTypeCode},
		GrantTypesSupported:                       []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken, storage.GrantTypeClientCredentials},
		TokenEndpointAuthMethodsSupported:         authMethods,
		IntrospectionEndpointAuthMethodsSupported: authMethods[:2],
		RevocationEndpointAuthMethodsSupported:    authMethods[:2],
		CodeChallengeMethodsSupported:             pkceMethods,
		SubjectTypesSupported:                     []string{"public"},
		IDTokenSigningAlgValuesSupported:          slices.Clone(signingAlgs),
		ClaimsSupported:                           []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "name", "preferred_username", "email", "email_verified"},
	}
}

// Metadata returns the discovery document. It is computed once in New.
func (s *Server) Metadata() Metadata {
	m := s.metadata
	m.ScopesSupported = slices.Clone(m.ScopesSupported)
	m.IDTokenSigningAlgValuesSupported = slices.Clone(m.IDTokenSigningAlgValuesSupported)
	return m
}

// ClaimsSource supplies end-user claims for the UserInfo endpoint
type ClaimsSource interface {
	// Claims returns the claims known for subject. Unknown subjects yield
	// an empty map, not an error.
	Claims(ctx context.Context, subject string) (map[string]any, error)
}

// ClaimsSourceFunc adapts a function to ClaimsSource
type ClaimsSourceFunc func(ctx context.Context, subject string) (map[string]any, error)

// Claims implements ClaimsSource
func (f ClaimsSourceFunc) Claims(ctx context.Context, subject string) (map[string]any, error) {
	return f(ctx, subject)
}

// scopeClaims maps scopes to the standard claims they release
// (OpenID Connect Core section 5.4)
var scopeClaims = map[string][]string{
	ScopeProfile: {"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username",
		"profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at"},
	ScopeEmail: {"email", "email_verified"},
}

// UserInfo returns the claims of the access token's subject. The token must
// be valid and carry the openid scope. Claims from the ClaimsSource are
// released per granted scope; sub always comes from the token.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "server.UserInfo")
	defer span.End()

	result, err := s.userInfo(ctx, accessToken)
	s.endFlowSpan(span, err)
	return result, err
}

func (s *Server) userInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	claims, err := s.Tokens.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		if isTokenError(err) {
			return nil, newError(ErrorCodeInvalidToken, "the access token is invalid or expired", err)
		}
		return nil, s.serverError("userinfo", err)
	}

	scopes := claims.Scopes()
	if !slices.Contains(scopes, ScopeOpenID) {
		return nil, newError(ErrorCodeInsufficientScope, "the access token lacks the openid scope", nil)
	}

	result := map[string]any{"sub": claims.Subject}
	if s.claims == nil {
		return result, nil
	}

	known, err := s.claims.Claims(ctx, claims.Subject)
	if err != nil {
		return nil, s.serverError("userinfo", fmt.Errorf("claims source: %w", err))
	}
	for _, scope := range scopes {
		for _, name := range scopeClaims[scope] {
			if v, ok := known[name]; ok {
				result[name] = v
			}
		}
	}
	return result, nil
}
