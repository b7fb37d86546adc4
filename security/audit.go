package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-authserver/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	clock   Clock
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		clock:   SystemClock(),
	}
}

// SetClock replaces the time source used to stamp events.
func (a *Auditor) SetClock(clock Clock) {
	if clock != nil {
		a.clock = clock
	}
}

// SetMetrics enables counting of audit events by type.
func (a *Auditor) SetMetrics(m *instrumentation.Metrics) {
	a.metrics = m
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.clock.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogTokenIssued logs when a token response is issued
func (a *Auditor) LogTokenIssued(subject, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(subject, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(subject, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs a client or token authentication failure
func (a *Auditor) LogAuthFailure(subject, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientRegistered logs when a client is added to the registry
func (a *Auditor) LogClientRegistered(clientID, authMethod string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"auth_method": authMethod,
		},
	})
}

// LogConsentGranted logs an approved consent decision
func (a *Auditor) LogConsentGranted(subject, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventConsentGranted,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogConsentDenied logs a denied consent decision
func (a *Auditor) LogConsentDenied(subject, clientID string) {
	a.LogEvent(Event{
		Type:     EventConsentDenied,
		Subject:  subject,
		ClientID: clientID,
	})
}

// LogCodeReuse logs a replayed authorization code and the number of tokens revoked in response
func (a *Auditor) LogCodeReuse(subject, clientID string, revoked int) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeReuseDetected,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"severity":       "critical",
			"tokens_revoked": revoked,
		},
	})
}

// LogTokenReuse logs a replayed refresh token and the family that was revoked
func (a *Auditor) LogTokenReuse(subject, clientID, familyID string) {
	a.LogEvent(Event{
		Type:     EventRefreshTokenReuseDetected,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": familyID,
		},
	})
}

// LogInvalidPKCE logs a failed code_verifier check
func (a *Auditor) LogInvalidPKCE(clientID, method string) {
	a.LogEvent(Event{
		Type:     EventPKCEValidationFailed,
		ClientID: clientID,
		Details: map[string]any{
			"method": method,
		},
	})
}

// LogInvalidRedirect logs a redirect_uri that did not match the registration
func (a *Auditor) LogInvalidRedirect(clientID, redirectURI string) {
	a.LogEvent(Event{
		Type:     EventInvalidRedirect,
		ClientID: clientID,
		Details: map[string]any{
			"redirect_uri": redirectURI,
		},
	})
}

// LogKeyRotated logs a signing key rotation
func (a *Auditor) LogKeyRotated(newKeyID, previousKeyID string) {
	a.LogEvent(Event{
		Type: EventSigningKeyRotated,
		Details: map[string]any{
			"kid":          newKeyID,
			"previous_kid": previousKeyID,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
