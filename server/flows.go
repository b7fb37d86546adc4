package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/storage"
)

// FlowState is the state of an authorization code flow
type FlowState string

// Authorization code flow states. Client credentials goes straight from
// REQUESTED to TOKEN_ISSUED.
const (
	FlowRequested       FlowState = "REQUESTED"
	FlowAwaitingConsent FlowState = "AWAITING_CONSENT"
	FlowCodeIssued      FlowState = "CODE_ISSUED"
	FlowTokenIssued     FlowState = "TOKEN_ISSUED"
	FlowDenied          FlowState = "DENIED"
	FlowExpired         FlowState = "EXPIRED"
)

// Terminal reports whether no transition leaves the state
func (s FlowState) Terminal() bool {
	return s == FlowTokenIssued || s == FlowDenied || s == FlowExpired
}

// ResponseTypeCode is the only supported response_type
const ResponseTypeCode = "code"

// AuthorizeRequest holds the parameters of an authorization request
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// AuthTime is when the end user authenticated (default now)
	AuthTime time.Time
}

// ConsentRequest is a request parked until the end user decides
type ConsentRequest struct {
	ID      string
	Client  *storage.Client
	Subject string

	// Scopes is everything requested; Missing the part not yet consented to
	Scopes  []string
	Missing []string

	ExpiresAt time.Time
}

// AuthorizeResult is the outcome of Authorize or SubmitConsent
type AuthorizeResult struct {
	State       FlowState
	RedirectURI string
	ClientState string

	// Code is set in CODE_ISSUED
	Code *storage.AuthorizationCode

	// Consent is set in AWAITING_CONSENT
	Consent *ConsentRequest
}

// RedirectLocation returns the redirect URI carrying code and state, or ""
// when no code was issued
func (r *AuthorizeResult) RedirectLocation() string {
	if r.State != FlowCodeIssued || r.Code == nil {
		return ""
	}
	params := url.Values{"code": {r.Code.Code}}
	if r.ClientState != "" {
		params.Set("state", r.ClientState)
	}
	return appendQuery(r.RedirectURI, params)
}

// TokenResult is a successful token endpoint response
type TokenResult struct {
	State        FlowState
	AccessToken  *AccessToken
	RefreshToken string
	IDToken      string
	Scopes       []string
}

// Authorize runs the REQUESTED transition of the authorization code flow for
// an authenticated subject. It returns AWAITING_CONSENT when the client needs
// consent the subject has not given yet, CODE_ISSUED otherwise.
//
// Errors found before the client and redirect URI are trusted are returned
// without a RedirectURI and must not be redirected.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest, subject string) (*AuthorizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	result, err := s.authorize(ctx, req, subject)
	s.endFlowSpan(span, err)
	return result, err
}

func (s *Server) authorize(ctx context.Context, req AuthorizeRequest, subject string) (*AuthorizeResult, error) {
	if subject == "" {
		return nil, s.serverError("authorize", fmt.Errorf("subject is required"))
	}
	if req.ClientID == "" {
		return nil, newError(ErrorCodeInvalidRequest, "client_id is required", nil)
	}

	client, err := s.Clients.Lookup(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			s.config.Auditor.LogAuthFailure(subject, req.ClientID, "", "unknown_client")
			return nil, newError(ErrorCodeInvalidClient, "unknown client", err)
		}
		return nil, s.serverError("authorize", err)
	}

	redirectURI, err := resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		if errors.Is(err, ErrRedirectMismatch) {
			s.config.Auditor.LogInvalidRedirect(client.ClientID, req.RedirectURI)
			return nil, newError(ErrorCodeInvalidRedirectURI, "redirect_uri is not registered for this client", err)
		}
		return nil, newError(ErrorCodeInvalidRequest, err.Error(), err)
	}

	// From here on errors go back to the client's redirect URI
	fail := func(code, description string, cause error) error {
		return newError(code, description, cause).redirectTo(redirectURI, req.State)
	}

	s.config.metrics().RecordAuthorizationStarted(ctx, client.ClientID)

	if req.ResponseType != ResponseTypeCode {
		return nil, fail(ErrorCodeUnsupportedResponseType, "only response_type=code is supported", nil)
	}
	if !client.HasGrantType(storage.GrantTypeAuthorizationCode) {
		return nil, fail(ErrorCodeUnauthorizedClient, "client is not authorized for the authorization_code grant", nil)
	}

	scopes := util.ParseScope(req.Scope)
	if !util.ScopesSubset(scopes, client.Scopes) {
		// SECURITY: generic message, never which scope was refused
		return nil, fail(ErrorCodeInvalidScope, "client is not authorized for one or more requested scopes", ErrScopeNotAllowed)
	}

	if err := s.config.validateCodeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.config.Auditor.LogInvalidPKCE(client.ClientID, req.CodeChallengeMethod)
		return nil, fail(ErrorCodeInvalidRequest, err.Error(), err)
	}

	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = s.config.Clock.Now()
	}

	if client.RequireConsent {
		consent, err := s.Consents.GetConsent(ctx, subject, client.ClientID)
		if err != nil {
			return nil, s.serverError("authorize", err).redirectTo(redirectURI, req.State)
		}
		if missing := s.Consents.Missing(consent, scopes); len(missing) > 0 {
			return s.awaitConsent(ctx, client, req, subject, redirectURI, scopes, missing, authTime)
		}
	}

	code, err := s.Tokens.IssueAuthorizationCode(ctx, CodeRequest{
		ClientID:            client.ClientID,
		Subject:             subject,
		Scopes:              scopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
	})
	if err != nil {
		return nil, s.serverError("authorize", err).redirectTo(redirectURI, req.State)
	}

	return &AuthorizeResult{
		State:       FlowCodeIssued,
		RedirectURI: redirectURI,
		ClientState: req.State,
		Code:        code,
	}, nil
}

// awaitConsent parks the request until the end user decides
func (s *Server) awaitConsent(ctx context.Context, client *storage.Client, req AuthorizeRequest, subject, redirectURI string, scopes, missing []string, authTime time.Time) (*AuthorizeResult, error) {
	now := s.config.Clock.Now()
	pending := &storage.AuthorizationRequest{
		ID:                  generateRandomToken(),
		ClientID:            client.ClientID,
		Subject:             subject,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		ClientState:         req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		AuthTime:            authTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthorizationRequestTTL),
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.config)
	defer cancel()
	if err := s.store.SaveAuthorizationRequest(storeCtx, pending); err != nil {
		return nil, s.serverError("authorize", err).redirectTo(redirectURI, req.State)
	}

	return &AuthorizeResult{
		State:       FlowAwaitingConsent,
		RedirectURI: redirectURI,
		ClientState: req.State,
		Consent: &ConsentRequest{
			ID:        pending.ID,
			Client:    client,
			Subject:   subject,
			Scopes:    scopes,
			Missing:   missing,
			ExpiresAt: pending.ExpiresAt,
		},
	}, nil
}

// SubmitConsent applies the end user's decision on a pending request. The
// request is consumed whatever the outcome. Denial ends the flow in DENIED,
// a request past its TTL in EXPIRED; approval records the consent and issues
// a code for the approved scopes.
func (s *Server) SubmitConsent(ctx context.Context, requestID, subject string, approved bool, scopes []string) (*AuthorizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.SubmitConsent")
	defer span.End()

	result, err := s.submitConsent(ctx, requestID, subject, approved, scopes)
	s.endFlowSpan(span, err)
	return result, err
}

func (s *Server) submitConsent(ctx context.Context, requestID, subject string, approved bool, approvedScopes []string) (*AuthorizeResult, error) {
	storeCtx, cancel := withStoreTimeout(ctx, s.config)
	pending, err := s.store.ConsumeAuthorizationRequest(storeCtx, requestID, s.config.Clock.Now())
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAuthorizationRequestExpired) && pending != nil:
		e := newError(ErrorCodeAccessDenied, "the authorization request has expired", err)
		e.State = FlowExpired
		return nil, s.pendingRedirect(ctx, pending, e)
	case errors.Is(err, storage.ErrAuthorizationRequestNotFound):
		return nil, newError(ErrorCodeInvalidRequest, "unknown or already decided authorization request", err)
	default:
		return nil, s.serverError("submit_consent", err)
	}

	// Only the user the request was parked for may decide on it
	if pending.Subject != subject {
		s.config.Auditor.LogAuthFailure(subject, pending.ClientID, "", "consent_subject_mismatch")
		return nil, newError(ErrorCodeInvalidRequest, "unknown or already decided authorization request", nil)
	}

	client, err := s.Clients.Lookup(ctx, pending.ClientID)
	if err != nil {
		return nil, s.serverError("submit_consent", err)
	}
	redirectURI, err := resolveRedirectURI(client, pending.RedirectURI)
	if err != nil {
		return nil, s.serverError("submit_consent", err)
	}
	fail := func(code, description string, cause error) *Error {
		return newError(code, description, cause).redirectTo(redirectURI, pending.ClientState)
	}

	if !approved {
		s.config.Auditor.LogConsentDenied(subject, client.ClientID)
		s.config.metrics().RecordConsentDecision(ctx, client.ClientID, false)
		e := fail(ErrorCodeAccessDenied, "the resource owner denied the request", nil)
		e.State = FlowDenied
		return nil, e
	}

	if !util.ScopesSubset(approvedScopes, pending.Scopes) {
		return nil, fail(ErrorCodeInvalidScope, "approved scopes exceed the requested scopes", ErrScopeNotAllowed)
	}

	// Granted: what the user approved now, what was consented before and
	// still requested, and openid when requested
	approvedScopes = util.RemoveScope(approvedScopes, ScopeOpenID)
	previous, err := s.Consents.GetConsent(ctx, subject, client.ClientID)
	if err != nil {
		return nil, s.serverError("submit_consent", err).redirectTo(redirectURI, pending.ClientState)
	}
	granted := slices.Clone(approvedScopes)
	if previous != nil {
		granted = util.UnionScopes(granted, util.IntersectScopes(pending.Scopes, previous.Scopes))
	}
	if len(granted) == 0 && len(util.RemoveScope(pending.Scopes, ScopeOpenID)) > 0 {
		s.config.Auditor.LogConsentDenied(subject, client.ClientID)
		s.config.metrics().RecordConsentDecision(ctx, client.ClientID, false)
		e := fail(ErrorCodeAccessDenied, "no scopes were approved", nil)
		e.State = FlowDenied
		return nil, e
	}
	if slices.Contains(pending.Scopes, ScopeOpenID) {
		granted = util.UnionScopes(granted, []string{ScopeOpenID})
	}

	if len(approvedScopes) > 0 {
		if _, err := s.Consents.Grant(ctx, subject, client.ClientID, approvedScopes, false); err != nil {
			return nil, s.serverError("submit_consent", err).redirectTo(redirectURI, pending.ClientState)
		}
	}
	s.config.metrics().RecordConsentDecision(ctx, client.ClientID, true)

	// Keep the requested order for the issued scopes
	scopes := util.IntersectScopes(pending.Scopes, granted)
	code, err := s.Tokens.IssueAuthorizationCode(ctx, CodeRequest{
		ClientID:            client.ClientID,
		Subject:             subject,
		Scopes:              scopes,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Nonce:               pending.Nonce,
		AuthTime:            pending.AuthTime,
	})
	if err != nil {
		return nil, s.serverError("submit_consent", err).redirectTo(redirectURI, pending.ClientState)
	}

	return &AuthorizeResult{
		State:       FlowCodeIssued,
		RedirectURI: redirectURI,
		ClientState: pending.ClientState,
		Code:        code,
	}, nil
}

// pendingRedirect makes e redirectable to the pending request's client when
// its redirect URI is still registered
func (s *Server) pendingRedirect(ctx context.Context, pending *storage.AuthorizationRequest, e *Error) *Error {
	client, err := s.Clients.Lookup(ctx, pending.ClientID)
	if err != nil {
		return e
	}
	redirectURI, err := resolveRedirectURI(client, pending.RedirectURI)
	if err != nil {
		return e
	}
	return e.redirectTo(redirectURI, pending.ClientState)
}

// ExchangeAuthorizationCode redeems a code at the token endpoint for an
// authenticated client. It mints an access token, a refresh token when the
// client may refresh, and an ID token when openid was granted.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier string) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", "")

	result, err := s.exchangeAuthorizationCode(ctx, client, code, redirectURI, codeVerifier)
	s.endFlowSpan(span, err)
	return result, err
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier string) (*TokenResult, error) {
	if !client.HasGrantType(storage.GrantTypeAuthorizationCode) {
		return nil, newError(ErrorCodeUnauthorizedClient, "client is not authorized for the authorization_code grant", nil)
	}
	if code == "" {
		return nil, newError(ErrorCodeInvalidRequest, "code is required", nil)
	}

	grant, err := s.Tokens.ConsumeAuthorizationCode(ctx, code, client.ClientID, redirectURI, codeVerifier)
	if err != nil {
		switch {
		case errors.Is(err, ErrCodeInvalid), errors.Is(err, ErrCodeExpired),
			errors.Is(err, ErrCodeAlreadyUsed), errors.Is(err, ErrRedirectMismatch),
			errors.Is(err, ErrPKCEMismatch):
			// SECURITY: log the reason, return a generic error (RFC 6749 section 5.2)
			s.logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(code, tokenPrefixLength))
			s.config.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_authorization_code")
			return nil, newError(ErrorCodeInvalidGrant, "the authorization code is invalid, expired or was already used", err)
		default:
			return nil, s.serverError("exchange_authorization_code", err)
		}
	}

	result, err := s.mintTokens(ctx, client, grant.Subject, grant.Scopes, client.HasGrantType(storage.GrantTypeRefreshToken))
	if err != nil {
		return nil, err
	}

	if slices.Contains(grant.Scopes, ScopeOpenID) {
		idToken, err := s.Tokens.IssueIDToken(ctx, IDTokenRequest{
			ClientID:    client.ClientID,
			Subject:     grant.Subject,
			Nonce:       grant.Nonce,
			AuthTime:    grant.AuthTime,
			AccessToken: result.AccessToken.Token,
		})
		if err != nil {
			return nil, s.serverError("exchange_authorization_code", err)
		}
		result.IDToken = idToken
	}

	s.tokenIssued(ctx, grant.Subject, client.ClientID, storage.GrantTypeAuthorizationCode, grant.Scopes)
	return result, nil
}

// ClientCredentials runs the client credentials grant: a single transition
// from REQUESTED to TOKEN_ISSUED with the client as subject and no consent.
func (s *Server) ClientCredentials(ctx context.Context, client *storage.Client, scope string) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.ClientCredentials")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, client.ClientID, scope)

	result, err := s.clientCredentials(ctx, client, scope)
	s.endFlowSpan(span, err)
	return result, err
}

func (s *Server) clientCredentials(ctx context.Context, client *storage.Client, scope string) (*TokenResult, error) {
	if !client.HasGrantType(storage.GrantTypeClientCredentials) {
		s.config.Auditor.LogAuthFailure("", client.ClientID, "", "grant_type_not_allowed")
		return nil, newError(ErrorCodeUnauthorizedClient, "client is not authorized for the client_credentials grant", nil)
	}

	scopes := util.ParseScope(scope)
	if !util.ScopesSubset(scopes, client.Scopes) {
		return nil, newError(ErrorCodeInvalidScope, "client is not authorized for one or more requested scopes", ErrScopeNotAllowed)
	}

	withRefresh := s.config.IssueRefreshTokenForClientCredentials && client.HasGrantType(storage.GrantTypeRefreshToken)
	result, err := s.mintTokens(ctx, client, client.ClientID, scopes, withRefresh)
	if err != nil {
		return nil, err
	}

	s.tokenIssued(ctx, client.ClientID, client.ClientID, storage.GrantTypeClientCredentials, scopes)
	return result, nil
}

// Refresh runs the refresh token grant. scope may only narrow the original grant.
func (s *Server) Refresh(ctx context.Context, client *storage.Client, refreshToken, scope string) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Refresh")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", scope)

	result, err := s.refresh(ctx, client, refreshToken, scope)
	s.endFlowSpan(span, err)
	return result, err
}

func (s *Server) refresh(ctx context.Context, client *storage.Client, refreshToken, scope string) (*TokenResult, error) {
	if !client.HasGrantType(storage.GrantTypeRefreshToken) {
		return nil, newError(ErrorCodeUnauthorizedClient, "client is not authorized for the refresh_token grant", nil)
	}
	if refreshToken == "" {
		return nil, newError(ErrorCodeInvalidRequest, "refresh_token is required", nil)
	}

	access, next, err := s.Tokens.RotateRefreshToken(ctx, client, refreshToken, util.ParseScope(scope))
	if err != nil {
		switch {
		case errors.Is(err, ErrScopeNotAllowed):
			return nil, newError(ErrorCodeInvalidScope, "requested scope exceeds the original grant", err)
		case errors.Is(err, ErrTokenReused), errors.Is(err, ErrTokenExpired),
			errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenRevoked):
			s.logger.Debug("Refresh token validation failed",
				"reason", err.Error(),
				"client_id", client.ClientID,
				"token_prefix", util.SafeTruncate(refreshToken, tokenPrefixLength))
			return nil, newError(ErrorCodeInvalidGrant, "the refresh token is invalid, expired or revoked", err)
		default:
			return nil, s.serverError("refresh", err)
		}
	}

	result := &TokenResult{
		State:        FlowTokenIssued,
		AccessToken:  access,
		RefreshToken: next.Token,
		Scopes:       access.Scopes,
	}

	if slices.Contains(access.Scopes, ScopeOpenID) {
		idToken, err := s.Tokens.IssueIDToken(ctx, IDTokenRequest{
			ClientID:    client.ClientID,
			Subject:     access.Subject,
			AccessToken: access.Token,
		})
		if err != nil {
			return nil, s.serverError("refresh", err)
		}
		result.IDToken = idToken
	}

	s.tokenIssued(ctx, access.Subject, client.ClientID, storage.GrantTypeRefreshToken, access.Scopes)
	return result, nil
}

// mintTokens issues the access token and, when withRefresh, a refresh token
// starting a new family
func (s *Server) mintTokens(ctx context.Context, client *storage.Client, subject string, scopes []string, withRefresh bool) (*TokenResult, error) {
	access, err := s.Tokens.IssueAccessToken(ctx, client.ClientID, subject, scopes, client.AccessTokenTTL)
	if err != nil {
		return nil, s.serverError("issue_access_token", err)
	}

	result := &TokenResult{
		State:       FlowTokenIssued,
		AccessToken: access,
		Scopes:      scopes,
	}
	if !withRefresh {
		return result, nil
	}

	rt, err := s.Tokens.IssueRefreshToken(ctx, RefreshTokenRequest{
		ClientID:    client.ClientID,
		Subject:     subject,
		Scopes:      scopes,
		TTL:         client.RefreshTokenTTL,
		AccessToken: access,
	})
	if err != nil {
		return nil, s.serverError("issue_refresh_token", err)
	}
	result.RefreshToken = rt.Token
	return result, nil
}

func (s *Server) tokenIssued(ctx context.Context, subject, clientID, grantType string, scopes []string) {
	s.config.Auditor.LogTokenIssued(subject, clientID, grantType, util.JoinScopes(scopes))
	s.config.metrics().RecordTokenIssued(ctx, clientID, grantType)
}

// serverError logs err and returns server_error without detail
func (s *Server) serverError(operation string, err error) *Error {
	s.logger.Error("Authorization server operation failed",
		"operation", operation,
		"error", err)
	return newError(ErrorCodeServerError, "internal server error", err)
}

// endFlowSpan records the outcome of a flow on its span
func (s *Server) endFlowSpan(span trace.Span, err error) {
	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		instrumentation.SetSpanError(span, oauthErr.Code)
		return
	}
	instrumentation.RecordError(span, err)
}
