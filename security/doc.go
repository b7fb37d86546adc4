// Package security holds the protective plumbing shared by the authorization
// server's engine and HTTP layer.
//
// # Rate limiting
//
// RateLimiter is a per-key token bucket (golang.org/x/time/rate) keyed by
// client IP. Keys are tracked in LRU order and bounded by MaxEntries; idle
// keys are swept by a background loop until Stop is called. Allow returns how
// long the caller should wait, which the HTTP layer sends as Retry-After.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{Rate: 10, Burst: 20})
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.Allow(ip); !ok {
//	    // 429 with Retry-After
//	}
//
// # Client addresses
//
// ClientIPConfig resolves the caller's address. Forwarding headers are only
// believed with TrustProxy set, and X-Forwarded-For is read from the right so
// a client cannot choose its own address by prepending entries.
//
// # Audit events
//
// Auditor writes structured security events (token issued, refresh token
// replay, authentication failures, key rotation) through slog. Subject ids
// are hashed before they are logged. A nil *Auditor is a no-op.
//
// # Key encryption
//
// Encryptor seals signing keys at rest with AES-256-GCM. Sealed data is bound
// to associated data, the key id, so a sealed key cannot be moved to another
// key's file.
//
// # Response headers
//
// SetSecurityHeaders marks API responses no-store and sets the usual
// hardening headers; SetPageSecurityHeaders adds a restrictive CSP for the
// consent page.
package security
