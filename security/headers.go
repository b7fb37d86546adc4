package security

import (
	"net/http"
	"strings"
)

const (
	apiContentSecurityPolicy  = "default-src 'none'; frame-ancestors 'none'"
	pageContentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'"
	hstsPolicy                = "max-age=31536000; includeSubDomains"
)

var baseHeaders = [...][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", apiContentSecurityPolicy},
	// RFC 6749 section 5.1 requires both on responses carrying credentials
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

// SetSecurityHeaders sets the hardening and no-store headers used on every
// response that carries credentials or errors. HSTS is added when the issuer
// is served over https.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	for _, kv := range baseHeaders {
		h.Set(kv[0], kv[1])
	}
	if strings.HasPrefix(strings.ToLower(issuer), "https://") {
		h.Set("Strict-Transport-Security", hstsPolicy)
	}
}

// SetPageSecurityHeaders is SetSecurityHeaders for the consent page, whose
// policy also allows inline styles. form-action stays unset: browsers apply
// it to the redirect that follows the consent post.
func SetPageSecurityHeaders(w http.ResponseWriter, issuer string) {
	SetSecurityHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", pageContentSecurityPolicy)
}
