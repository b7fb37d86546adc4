package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server.
// All Record methods are nil-safe so callers can hold a nil *Metrics when
// instrumentation is not configured.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant Flow Metrics
	AuthorizationStarted metric.Int64Counter
	ConsentDecisions     metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenIssued          metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	TokenIntrospected    metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	ClientAuthFailed     metric.Int64Counter

	// Key Management Metrics
	KeyRotations   metric.Int64Counter
	TokensSigned   metric.Int64Counter
	VerifyFailures metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageFlowsCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageConsentsCount      metric.Int64ObservableGauge
	StorageRevocationsCount   metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  string
	name   string
	desc   string
	unit   string
}

type gaugeSpec struct {
	target *metric.Int64ObservableGauge
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationStarted, "server", "oauth.authorization.started", "Number of authorization requests received", "{flow}"},
		{&m.ConsentDecisions, "server", "oauth.consent.decisions", "Number of consent decisions submitted", "{decision}"},
		{&m.CodeIssued, "server", "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, "server", "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenIssued, "server", "oauth.token.issued", "Number of token responses issued", "{token}"},
		{&m.TokenRefreshed, "server", "oauth.token.refreshed", "Number of tokens refreshed", "{refresh}"},
		{&m.TokenRevoked, "server", "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.TokenIntrospected, "server", "oauth.token.introspected", "Number of introspection requests", "{request}"},
		{&m.ClientRegistered, "server", "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.RateLimitExceeded, "security", "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, "security", "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, "security", "oauth.code.reuse_detected", "Number of authorization code reuse attempts detected", "{attempt}"},
		{&m.TokenReuseDetected, "security", "oauth.token.reuse_detected", "Number of refresh token reuse attempts detected", "{attempt}"},
		{&m.ClientAuthFailed, "security", "oauth.client.auth_failed", "Number of failed client authentications", "{failure}"},
		{&m.AuditEventsTotal, "security", "oauth.audit.events.total", "Total number of audit events", "{event}"},
		{&m.KeyRotations, "keys", "oauth.keys.rotations", "Number of signing key rotations", "{rotation}"},
		{&m.TokensSigned, "keys", "oauth.keys.signatures", "Number of tokens signed", "{signature}"},
		{&m.VerifyFailures, "keys", "oauth.keys.verify_failures", "Number of token signature verifications that failed", "{failure}"},
		{&m.StorageOperationTotal, "storage", "storage.operation.total", "Total number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := inst.Meter(c.meter).Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = inst.Meter("http").Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.Meter("storage").Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StorageClientsCount, "storage.clients.count", "Number of registered clients", "{client}"},
		{&m.StorageCodesCount, "storage.codes.count", "Number of stored authorization codes", "{code}"},
		{&m.StorageFlowsCount, "storage.flows.count", "Number of authorization requests awaiting consent", "{flow}"},
		{&m.StorageRefreshTokensCount, "storage.refresh_tokens.count", "Number of stored refresh tokens", "{token}"},
		{&m.StorageConsentsCount, "storage.consents.count", "Number of stored consent records", "{consent}"},
		{&m.StorageRevocationsCount, "storage.revocations.count", "Number of revoked access token ids", "{token}"},
	}

	for _, g := range gauges {
		gauge, err := inst.Meter("storage").Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit(g.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records an authorization request
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordConsentDecision records an approved or denied consent request
func (m *Metrics) RecordConsentDecision(ctx context.Context, clientID string, approved bool) {
	if m == nil {
		return
	}
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("approved", approved),
	))
}

// RecordCodeIssued records an authorization code being issued
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenIssued records a token response for a grant type
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	if m == nil {
		return
	}
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenIntrospection records an introspection request and whether the token was active
func (m *Metrics) RecordTokenIntrospection(ctx context.Context, clientID string, active bool) {
	if m == nil {
		return
	}
	m.TokenIntrospected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("active", active),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, authMethod string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auth_method", authMethod),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auth_method", method),
	))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context, algorithm string) {
	if m == nil {
		return
	}
	m.KeyRotations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("algorithm", algorithm),
	))
}

// RecordTokenSigned records a signature produced by the key manager
func (m *Metrics) RecordTokenSigned(ctx context.Context, algorithm string) {
	if m == nil {
		return
	}
	m.TokensSigned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("algorithm", algorithm),
	))
}

// RecordVerifyFailure records a token that failed signature verification
func (m *Metrics) RecordVerifyFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.VerifyFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
