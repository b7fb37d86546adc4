// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// Metrics and traces are created per layer ("http", "server", "storage", "keys",
// "security") from a single Instrumentation value. When instrumentation is
// disabled every provider is a no-op.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:              true,
//		ServiceVersion:       version,
//		MetricExporter:       instrumentation.ExporterPrometheus,
//		PrometheusRegisterer: registry,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grant flows:
//   - oauth.authorization.started{client_id}
//   - oauth.consent.decisions{client_id, approved}
//   - oauth.code.issued{client_id}, oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.issued{client_id, grant_type}, oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id, token_type}, oauth.token.introspected{client_id, active}
//
// Security:
//   - oauth.rate_limit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected, oauth.token.reuse_detected
//   - oauth.client.auth_failed{auth_method}
//
// Keys:
//   - oauth.keys.rotations{algorithm}, oauth.keys.signatures{algorithm}
//   - oauth.keys.verify_failures{reason}
//
// Storage:
//   - storage.operation.total{operation, result}, storage.operation.duration{operation}
//   - storage.{clients,codes,flows,refresh_tokens,consents,revocations}.count
//
// # Security Considerations
//
// Traces and metrics carry metadata only. Never record access tokens, refresh
// tokens, authorization codes, client secrets or PKCE verifiers. Client IP
// addresses are recorded only when Config.LogClientIPs is set.
package instrumentation
