package authserver

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
)

// ServeToken handles the token endpoint (RFC 6749 section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "failed to parse request", Cause: err})
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	form := r.PostForm
	var result *server.TokenResult
	switch grantType := form.Get("grant_type"); grantType {
	case storage.GrantTypeAuthorizationCode:
		result, err = h.server.ExchangeAuthorizationCode(r.Context(), client,
			form.Get("code"), form.Get("redirect_uri"), form.Get("code_verifier"))
	case storage.GrantTypeRefreshToken:
		result, err = h.server.Refresh(r.Context(), client, form.Get("refresh_token"), form.Get("scope"))
	case storage.GrantTypeClientCredentials:
		result, err = h.server.ClientCredentials(r.Context(), client, form.Get("scope"))
	case "":
		err = &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "grant_type is required"}
	default:
		err = &server.Error{Code: server.ErrorCodeUnsupportedGrantType, Description: "grant type " + grantType + " is not supported"}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Debug("Token issued",
		"client_id", client.ClientID,
		"grant_type", form.Get("grant_type"),
		"access_token", util.SafeTruncate(result.AccessToken.Token, 8))
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  result.AccessToken.Token,
		TokenType:    server.TokenTypeBearer,
		ExpiresIn:    result.AccessToken.ExpiresIn(),
		RefreshToken: result.RefreshToken,
		IDToken:      result.IDToken,
		Scope:        util.JoinScopes(result.Scopes),
	})
}

// ServeIntrospection handles the RFC 7662 introspection endpoint. Callers
// must authenticate as a registered client to prevent token scanning.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	client, token, ok := h.parseTokenRequest(w, r)
	if !ok {
		return
	}
	result, err := h.server.Introspect(r.Context(), client, token, r.PostForm.Get("token_type_hint"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ServeRevocation handles the RFC 7009 revocation endpoint. Unknown tokens
// are answered with 200 like revoked ones.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	client, token, ok := h.parseTokenRequest(w, r)
	if !ok {
		return
	}
	if err := h.server.Revoke(r.Context(), client, token, r.PostForm.Get("token_type_hint")); err != nil {
		h.writeError(w, r, err)
		return
	}
	security.SetSecurityHeaders(w, h.issuer)
	w.WriteHeader(http.StatusOK)
}

// parseTokenRequest authenticates the client of an introspection or
// revocation request and returns the token parameter
func (h *Handler) parseTokenRequest(w http.ResponseWriter, r *http.Request) (*storage.Client, string, bool) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "failed to parse request", Cause: err})
		return nil, "", false
	}
	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeError(w, r, err)
		return nil, "", false
	}
	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, r, &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "token is required"})
		return nil, "", false
	}
	return client, token, true
}

// authenticateClient authenticates the caller with exactly one method:
// HTTP Basic (client_secret_basic), client_secret in the body
// (client_secret_post) or a bare client_id for public clients (none).
func (h *Handler) authenticateClient(r *http.Request) (*storage.Client, error) {
	form := r.PostForm
	basicID, basicSecret, hasBasic := r.BasicAuth()

	var clientID, secret, method string
	switch {
	case hasBasic:
		if form.Get("client_secret") != "" {
			return nil, &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "client credentials must be sent once", Cause: errMultipleCredentials}
		}
		// Basic credentials are form-urlencoded first (RFC 6749 section 2.3.1)
		id, err := url.QueryUnescape(basicID)
		if err != nil {
			return nil, h.clientAuthFailed(r, basicID, "malformed_basic_credentials", err)
		}
		pass, err := url.QueryUnescape(basicSecret)
		if err != nil {
			return nil, h.clientAuthFailed(r, id, "malformed_basic_credentials", err)
		}
		if formID := form.Get("client_id"); formID != "" && formID != id {
			return nil, &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "client_id does not match the authenticated client", Cause: errMultipleCredentials}
		}
		clientID, secret, method = id, pass, storage.AuthMethodClientSecretBasic
	case form.Get("client_secret") != "":
		clientID, secret, method = form.Get("client_id"), form.Get("client_secret"), storage.AuthMethodClientSecretPost
	default:
		clientID, method = form.Get("client_id"), storage.AuthMethodNone
	}
	if clientID == "" {
		return nil, h.clientAuthFailed(r, "", "missing_client_id", errMissingClientID)
	}

	client, err := h.server.Clients.Authenticate(r.Context(), clientID, secret, method)
	if err != nil {
		if errors.Is(err, server.ErrInvalidClientCredentials) {
			// The registry has audited the failure already
			security.RequestLogger(r.Context(), h.logger).Warn("Client authentication failed",
				"client_id", clientID, "ip", h.clientIP(r), "method", method)
			return nil, invalidClient(err)
		}
		return nil, err
	}
	return client, nil
}

func (h *Handler) clientAuthFailed(r *http.Request, clientID, reason string, cause error) *server.Error {
	ip := h.clientIP(r)
	security.RequestLogger(r.Context(), h.logger).Warn("Client authentication failed",
		"client_id", clientID, "ip", ip, "reason", reason)
	h.auditor.LogAuthFailure("", clientID, ip, reason)
	return invalidClient(cause)
}

func invalidClient(cause error) *server.Error {
	return &server.Error{
		Code:        server.ErrorCodeInvalidClient,
		Description: "client authentication failed",
		Cause:       cause,
	}
}
