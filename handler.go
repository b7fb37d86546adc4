package authserver

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
)

// discoveryMaxAge is the cache lifetime of the JWKS and metadata documents
const discoveryMaxAge = "public, max-age=300"

// Handler serves the authorization server's HTTP endpoints
type Handler struct {
	server      *server.Server
	config      Config
	issuer      string
	issuerPath  string
	logger      *slog.Logger
	limiter     *security.RateLimiter
	auditor     *security.Auditor
	metrics     *instrumentation.Metrics
	consentPage *template.Template
}

// NewHandler creates the HTTP handler for srv. config may be nil, in which
// case only the client-facing endpoints are served.
func NewHandler(srv *server.Server, config *Config) *Handler {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults(srv.Logger())

	srvCfg := srv.Config()
	h := &Handler{
		server:      srv,
		config:      cfg,
		issuer:      srvCfg.Issuer,
		logger:      cfg.Logger,
		auditor:     srvCfg.Auditor,
		consentPage: consentTemplate,
	}
	if u, err := url.Parse(srvCfg.Issuer); err == nil {
		h.issuerPath = strings.TrimSuffix(u.Path, "/")
	}
	if srvCfg.Instrumentation != nil {
		h.metrics = srvCfg.Instrumentation.Metrics()
	}
	if cfg.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:       float64(cfg.RateLimit.Rate),
			Burst:      cfg.RateLimit.Burst,
			MaxEntries: cfg.RateLimit.MaxTrackedIPs,
			Clock:      srvCfg.Clock,
			Logger:     cfg.Logger,
		})
	}
	if cfg.Authenticator == nil {
		h.logger.Warn("No end-user authenticator configured, the authorization endpoint is disabled")
	}
	return h
}

// Close stops background goroutines
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns a router serving every endpoint. Paths are relative to the
// issuer; mount the router under the issuer's path when it has one.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.recordHTTPMetrics)

	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth and OIDC endpoints on r
func (h *Handler) OAuthRoutes(r chi.Router) {
	if h.config.Authenticator != nil {
		r.Get(server.AuthorizationPath, h.ServeAuthorization)
		r.With(h.limitBody).Post(server.ConsentPath, h.ServeConsent)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.limitRate, h.limitBody)
		r.Post(server.TokenPath, h.ServeToken)
		r.Post(server.IntrospectionPath, h.ServeIntrospection)
		r.Post(server.RevocationPath, h.ServeRevocation)
	})

	r.Get(server.JWKSPath, h.ServeJWKS)
	r.Get(server.UserInfoPath, h.ServeUserInfo)
	r.With(h.limitBody).Post(server.UserInfoPath, h.ServeUserInfo)
}

// WellKnownRoutes registers the discovery documents on r
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(server.OpenIDConfigurationPath, h.ServeOpenIDConfiguration)
	r.Get(server.OAuthServerMetadataPath, h.ServeAuthorizationServerMetadata)
}

// ServeJWKS serves the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	h.writePublicJSON(w, h.server.PublicKeySet())
}

// ServeOpenIDConfiguration serves the OpenID Connect Discovery document
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, _ *http.Request) {
	h.writePublicJSON(w, h.server.Metadata())
}

// ServeAuthorizationServerMetadata serves the RFC 8414 metadata document
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	h.writePublicJSON(w, h.server.Metadata())
}

// ServeUserInfo serves the OIDC UserInfo endpoint. The access token is taken
// from the Authorization header, or from the form body on POST (RFC 6750
// section 2.2).
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if token == "" {
		// No authentication attempted: bare challenge (RFC 6750 section 3.1)
		w.Header().Set("WWW-Authenticate", server.TokenTypeBearer)
		h.writeJSONError(w, http.StatusUnauthorized, server.ErrorCodeInvalidToken, "access token is required")
		return
	}

	claims, err := h.server.UserInfo(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, claims)
}

// extractBearerToken returns the access token of r, or "" when none was sent
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	formToken := ""
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return "", &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "malformed request body", Cause: err}
		}
		formToken = r.PostForm.Get("access_token")
	}

	if header == "" {
		return formToken, nil
	}
	if formToken != "" {
		return "", &server.Error{Code: server.ErrorCodeInvalidRequest, Description: "access token sent more than once"}
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, server.TokenTypeBearer) || strings.TrimSpace(token) == "" {
		return "", &server.Error{Code: server.ErrorCodeInvalidToken, Description: "the Authorization header must use the Bearer scheme"}
	}
	return strings.TrimSpace(token), nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writePublicJSON writes a cacheable public document
func (h *Handler) writePublicJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", discoveryMaxAge)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// clientIP returns the caller's address for rate limiting and audit logs
func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIPConfig{
		TrustProxy:        h.config.RateLimit.TrustProxy,
		TrustedProxyCount: h.config.RateLimit.TrustedProxyCount,
	}.ClientIP(r)
}

// limitRate enforces the per-IP rate limit
func (h *Handler) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := h.clientIP(r)
		if ok, retryAfter := h.limiter.Allow(ip); !ok {
			h.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			h.auditor.LogRateLimitExceeded(ip, r.URL.Path)
			h.metrics.RecordRateLimitExceeded(r.Context(), r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			h.writeJSONError(w, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds d up to whole seconds, at least one
func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	return max(seconds, 1)
}

// limitBody caps the request body size
func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// recordHTTPMetrics records request count and latency per route pattern
func (h *Handler) recordHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, status, durationMs)
	})
}
