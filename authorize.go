package authserver

import (
	"bytes"
	"html/template"
	"net/http"
	"slices"

	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
)

// Consent form fields
const (
	consentFieldRequestID = "request_id"
	consentFieldScope     = "scope"
	consentFieldAction    = "action"

	consentActionApprove = "approve"
	consentActionDeny    = "deny"
)

// Authenticator identifies the end user of an authorization request
type Authenticator interface {
	// Authenticate returns the subject of the authenticated end user, or
	// false when the request carries no valid credentials
	Authenticate(r *http.Request) (subject string, ok bool)

	// Challenge asks the user agent to authenticate
	Challenge(w http.ResponseWriter, r *http.Request)
}

// authorizeParams may each appear at most once (RFC 6749 section 3.1)
var authorizeParams = []string{
	"response_type", "client_id", "redirect_uri", "scope", "state",
	"nonce", "code_challenge", "code_challenge_method",
}

// ServeAuthorization handles the authorization endpoint (RFC 6749 section 4.1.1)
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.config.Authenticator.Authenticate(r)
	if !ok {
		h.config.Authenticator.Challenge(w, r)
		return
	}

	query := r.URL.Query()
	for _, name := range authorizeParams {
		if len(query[name]) > 1 {
			h.writeError(w, r, &server.Error{
				Code:        server.ErrorCodeInvalidRequest,
				Description: name + " must not be repeated",
			})
			return
		}
	}

	result, err := h.server.Authorize(r.Context(), server.AuthorizeRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		Nonce:               query.Get("nonce"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}, subject)
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}
	h.writeAuthorizeResult(w, r, result)
}

// ServeConsent handles the consent form submission
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.config.Authenticator.Authenticate(r)
	if !ok {
		h.config.Authenticator.Challenge(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "malformed request body", Cause: err})
		return
	}

	var approved bool
	switch r.PostForm.Get(consentFieldAction) {
	case consentActionApprove:
		approved = true
	case consentActionDeny:
	default:
		h.writeError(w, r, &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "action must be approve or deny"})
		return
	}

	result, err := h.server.SubmitConsent(r.Context(), r.PostForm.Get(consentFieldRequestID), subject,
		approved, r.PostForm[consentFieldScope])
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}
	h.writeAuthorizeResult(w, r, result)
}

func (h *Handler) writeAuthorizeResult(w http.ResponseWriter, r *http.Request, result *server.AuthorizeResult) {
	switch result.State {
	case server.FlowAwaitingConsent:
		h.renderConsent(w, r, result.Consent)
	case server.FlowCodeIssued:
		security.SetSecurityHeaders(w, h.issuer)
		http.Redirect(w, r, result.RedirectLocation(), http.StatusFound)
	default:
		h.writeError(w, r, &server.Error{Code: server.ErrorCodeServerError, Description: "internal server error"})
	}
}

// writeAuthorizationError redirects errors the engine marked redirectable
// and renders the rest to the user agent
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	e := server.AsError(err)
	if !e.Redirectable() {
		if e.Code == server.ErrorCodeServerError {
			h.writeError(w, r, e)
			return
		}
		// No Basic challenge: the caller is a user agent, not a client
		h.writeJSONError(w, e.HTTPStatus(), e.Code, e.Description)
		return
	}
	security.SetSecurityHeaders(w, h.issuer)
	http.Redirect(w, r, e.RedirectLocation(), http.StatusFound)
}

type consentScope struct {
	Name        string
	Description string
}

type consentPageData struct {
	Action    string
	RequestID string
	Client    string
	Subject   string
	Requested []consentScope
	Granted   []consentScope
}

// scopeDescriptions are shown next to well-known scopes on the consent page
var scopeDescriptions = map[string]string{
	server.ScopeOpenID:  "Verify your identity",
	server.ScopeProfile: "Read your profile: name and username",
	server.ScopeEmail:   "Read your email address",
}

func describeScopes(scopes []string) []consentScope {
	out := make([]consentScope, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, consentScope{Name: s, Description: scopeDescriptions[s]})
	}
	return out
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, consent *server.ConsentRequest) {
	client := consent.Client.ClientName
	if client == "" {
		client = consent.Client.ClientID
	}

	var granted []string
	for _, s := range consent.Scopes {
		if !slices.Contains(consent.Missing, s) {
			granted = append(granted, s)
		}
	}

	data := consentPageData{
		Action:    h.issuerPath + server.ConsentPath,
		RequestID: consent.ID,
		Client:    client,
		Subject:   consent.Subject,
		Requested: describeScopes(consent.Missing),
		Granted:   describeScopes(granted),
	}

	var buf bytes.Buffer
	if err := h.consentPage.Execute(&buf, data); err != nil {
		h.writeError(w, r, err)
		return
	}

	security.SetPageSecurityHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Consent required</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 3rem auto; padding: 0 1rem; color: #222; }
h1 { font-size: 1.4rem; }
fieldset { border: 1px solid #ccc; border-radius: 6px; margin: 1rem 0; }
label { display: block; margin: .4rem 0; }
.desc { color: #666; font-size: .9rem; }
button { padding: .5rem 1.2rem; margin-right: .5rem; }
</style>
</head>
<body>
<h1>{{.Client}} wants to access your account</h1>
<p>Signed in as <strong>{{.Subject}}</strong>.</p>
<form method="post" action="{{.Action}}">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<fieldset>
<legend>Requested permissions</legend>
{{range .Requested}}<label><input type="checkbox" name="scope" value="{{.Name}}" checked> {{.Name}}{{if .Description}} <span class="desc">{{.Description}}</span>{{end}}</label>
{{end}}</fieldset>
{{if .Granted}}<fieldset>
<legend>Already granted</legend>
{{range .Granted}}<label>{{.Name}}{{if .Description}} <span class="desc">{{.Description}}</span>{{end}}</label>
{{end}}</fieldset>
{{end}}<button type="submit" name="action" value="approve">Approve</button>
<button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>
`))
