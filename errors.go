package authserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
)

// ErrorCodeRateLimitExceeded is returned with 429 responses
const ErrorCodeRateLimitExceeded = "rate_limit_exceeded"

var (
	errMultipleCredentials = errors.New("client credentials were sent more than once")
	errMissingClientID     = errors.New("client_id is required")
)

// writeError renders err as a JSON error response. Errors that are not an
// *server.Error become server_error without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := server.AsError(err)
	if e.Code == server.ErrorCodeServerError {
		security.RequestLogger(r.Context(), h.logger).Error("Request failed",
			"path", r.URL.Path,
			"error", e.Cause)
	}

	switch e.Code {
	case server.ErrorCodeInvalidClient:
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.issuer+`"`)
	case server.ErrorCodeInvalidToken, server.ErrorCodeInsufficientScope:
		scope := ""
		if e.Code == server.ErrorCodeInsufficientScope {
			scope = server.ScopeOpenID
		}
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(scope, e.Code, e.Description))
	}

	h.writeJSONError(w, e.HTTPStatus(), e.Code, e.Description)
}

// writeJSONError writes an RFC 6749 section 5.2 error body
func (h *Handler) writeJSONError(w http.ResponseWriter, status int, code, description string) {
	security.SetSecurityHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate formats a Bearer challenge per RFC 6750 section 3
//
// Example output:
//
//	Bearer scope="openid", error="insufficient_scope", error_description="the access token lacks the openid scope"
func formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	if len(params) == 0 {
		return server.TokenTypeBearer
	}
	return server.TokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteEscape escapes backslashes first, then quotes (RFC 7230 quoted-string)
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
